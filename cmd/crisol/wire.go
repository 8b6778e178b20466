package main

import (
	"github.com/d-araiza/crisol/internal/aggregate"
	"github.com/d-araiza/crisol/internal/pool"
	"github.com/d-araiza/crisol/internal/store"
)

// request is one stdin line.
type request struct {
	Op             string  `json:"op"`
	Code           string  `json:"code,omitempty"`
	Language       string  `json:"language,omitempty"`
	Mode           string  `json:"mode,omitempty"`
	SessionID      string  `json:"session_id,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty"`
	Limit          int     `json:"limit,omitempty"`
}

// response is one stdout line. Exactly one payload field is set.
type response struct {
	Op       string             `json:"op,omitempty"`
	Result   *aggregate.Result  `json:"result,omitempty"`
	Sessions []pool.SessionInfo `json:"sessions,omitempty"`
	History  []*store.Execution `json:"history,omitempty"`
	OK       *bool              `json:"ok,omitempty"`
	Error    string             `json:"error,omitempty"`
}
