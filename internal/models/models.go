package models

import (
	"time"
)

const (
	DefaultTitle = "Reminder"
	DefaultBody  = ""
)

// DefaultVibrationPattern is used when a schedule request carries no pattern.
var DefaultVibrationPattern = []int{200, 100, 200}

type DeliveryStatus string

const (
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

type JobStatus string

const (
	JobDispatched    JobStatus = "dispatched"
	JobNoSubscribers JobStatus = "no_subscribers"
)

type EndpointKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Endpoint is a browser push subscription as produced by
// PushManager.subscribe(). Only Endpoint is interpreted: it is the identity
// key used to deduplicate registrations of the same physical target.
type Endpoint struct {
	Endpoint       string       `json:"endpoint" validate:"required"`
	ExpirationTime *int64       `json:"expirationTime"`
	Keys           EndpointKeys `json:"keys"`
}

func (e Endpoint) Key() string {
	return e.Endpoint
}

// Clone returns a copy that shares no memory with e.
func (e Endpoint) Clone() Endpoint {
	out := e
	if e.ExpirationTime != nil {
		exp := *e.ExpirationTime
		out.ExpirationTime = &exp
	}
	return out
}

type Content struct {
	Title            string `json:"title"`
	Body             string `json:"body"`
	VibrationPattern []int  `json:"vibrationPattern"`
}

// WithDefaults fills empty fields. It is applied when a job fires, so stored
// jobs keep exactly what the caller sent.
func (c Content) WithDefaults() Content {
	out := Content{
		Title:            c.Title,
		Body:             c.Body,
		VibrationPattern: append([]int(nil), c.VibrationPattern...),
	}
	if out.Title == "" {
		out.Title = DefaultTitle
	}
	if out.Body == "" {
		out.Body = DefaultBody
	}
	if len(out.VibrationPattern) == 0 {
		out.VibrationPattern = append([]int(nil), DefaultVibrationPattern...)
	}
	return out
}

type Job struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FireAt    time.Time `json:"fire_at"`
	Content   Content   `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

func (j *Job) Clone() *Job {
	out := *j
	if j.Content.VibrationPattern != nil {
		out.Content.VibrationPattern = append([]int(nil), j.Content.VibrationPattern...)
	}
	return &out
}

// JobHandle is returned to the caller of Schedule before the job fires.
type JobHandle struct {
	ID     string
	FireAt time.Time
	Delay  time.Duration
}

type SubscribeRequest struct {
	UserID       string    `json:"userId" validate:"required"`
	Subscription *Endpoint `json:"subscription" validate:"required"`
}

type ScheduleRequest struct {
	UserID           string `json:"userId" validate:"required"`
	SendAt           int64  `json:"sendAt" validate:"required"`
	Title            string `json:"title"`
	Body             string `json:"body"`
	VibrationPattern []int  `json:"vibrationPattern" validate:"omitempty,dive,gte=0"`
}

type OKResponse struct {
	OK bool `json:"ok"`
}

type ScheduleResponse struct {
	OK            bool   `json:"ok"`
	ScheduledInMs int64  `json:"scheduledInMs"`
	JobID         string `json:"jobId"`
}

type PublicKeyResponse struct {
	PublicKey string `json:"publicKey"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
