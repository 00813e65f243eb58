package reply

// Result is the outcome of a reply request: a short human-readable line.
// Err keeps the classified cause for callers that branch on it; it is never serialized.
type Result struct {
	Text    string `json:"result_text"`
	IsError bool   `json:"is_error,omitempty"`
	Err     error  `json:"-"`
}

func NewResult(text string) *Result {
	return &Result{Text: text}
}

func ErrorResult(text string) *Result {
	return &Result{Text: text, IsError: true}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
