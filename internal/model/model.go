// Package model holds the domain records shared by the stores, the services,
// the HTTP API and the delivery channel. JSON field names follow the public
// REST contract.
package model

import "time"

// User is an account in the identity store. PasswordHash never leaves the
// server.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	FullName     string    `json:"fullName"`
	PasswordHash string    `json:"-"`
	Bio          string    `json:"bio"`
	ProfilePic   string    `json:"profilePic"`
	ProfilePicID string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Message is a direct message between two users. At least one of Text and
// Image is non-empty. Seen only ever moves from false to true.
type Message struct {
	ID         string    `json:"id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text,omitempty"`
	Image      string    `json:"image,omitempty"`
	Seen       bool      `json:"seen"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Roster is the sidebar view for one user: every other user plus the number
// of unseen messages each sender has addressed to the requester. Senders with
// nothing unseen are absent from UnseenMessages.
type Roster struct {
	Users          []User         `json:"users"`
	UnseenMessages map[string]int `json:"unseenMessages"`
}
