// Package v1 holds the small set of wire types shared across provider
// adapters and the session manager that don't belong to any single
// provider's own package.
package v1

// MessageAttachment represents an inline attachment (currently images) sent
// alongside a session/prompt call.
type MessageAttachment struct {
	Type     string `json:"type"`      // "image"
	Data     string `json:"data"`      // base64-encoded payload
	MimeType string `json:"mime_type"` // MIME type, e.g. "image/png"
}
