// Package session mirrors live delivery channels into Redis so operators can
// see which server holds which user's connection. The mirror is written on
// connect and deleted on close; presence decisions never read it.
package session
