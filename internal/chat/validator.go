package chat

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"

	"github.com/whisper/directchat/internal/apperr"
)

const (
	MaxMessageBytes = 4096 // 4KB max text payload
	MaxTextChars    = 2000 // max character count
)

// ErrEmptyMessage rejects a send with neither text nor image.
var ErrEmptyMessage = fmt.Errorf("%w: message must have text or an image", apperr.ErrValidation)

var validate = validator.New(validator.WithRequiredStructEnabled())

// SendInput is the body of a send request. Image is a data URL.
type SendInput struct {
	Text  string `json:"text" validate:"required_without=Image"`
	Image string `json:"image" validate:"required_without=Text"`
}

// Validate checks the input shape and the text limits.
func (in SendInput) Validate() error {
	if err := validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return ErrEmptyMessage
		}
		return apperr.Validation(err.Error())
	}
	if in.Text != "" {
		if err := ValidateText(in.Text); err != nil {
			return err
		}
	}
	return nil
}

// ValidateText checks that message text meets the content limits.
func ValidateText(text string) error {
	if len(text) > MaxMessageBytes {
		return apperr.Validation(fmt.Sprintf("message exceeds %d byte limit", MaxMessageBytes))
	}
	if !utf8.ValidString(text) {
		return apperr.Validation("message contains invalid UTF-8")
	}
	if strings.ContainsRune(text, 0) {
		return apperr.Validation("message contains NUL characters")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return apperr.Validation(fmt.Sprintf("message exceeds %d character limit", MaxTextChars))
	}
	return nil
}
