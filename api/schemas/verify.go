package schemas

import "time"

// VerifyResult is the decoded response of the CAPTCHA provider's siteverify
// endpoint. An unsuccessful verification is a valid result, not an error.
type VerifyResult struct {
	Success     bool      `json:"success"`
	ChallengeTS time.Time `json:"challenge_ts,omitempty"`
	Hostname    string    `json:"hostname,omitempty"`
	ErrorCodes  []string  `json:"error-codes,omitempty"`
}

// Rejected reports whether the provider rejected the token outright, as
// opposed to a transient transport failure.
func (v VerifyResult) Rejected() bool {
	return !v.Success
}

// SubscribeRequest is the payload of POST /subscribe.
type SubscribeRequest struct {
	Email        string `json:"email"`
	CaptchaToken string `json:"captcha_token"`
}

// SubscribeResponse acknowledges a subscription attempt. ConfirmToken is a
// signed token the subscriber presents to GET /confirm; it stands in for the
// confirmation e-mail this service does not send.
type SubscribeResponse struct {
	Status       string `json:"status"`
	Email        string `json:"email"`
	Created      bool   `json:"created"`
	ConfirmToken string `json:"confirm_token,omitempty"`
}
