package models

import "time"

type HistoryStatus string

const (
	HistoryCompleted HistoryStatus = "completed"
	HistoryCancelled HistoryStatus = "cancelled"
)

type RatingValue string

const (
	RatingPositive RatingValue = "positive"
	RatingNegative RatingValue = "negative"
)

func (v RatingValue) Valid() bool { return v == RatingPositive || v == RatingNegative }

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

type Rating struct {
	RaterID   string      `json:"rater_id"`
	Value     RatingValue `json:"value"`
	CreatedAt time.Time   `json:"created_at"`
}

type HistoryEntry struct {
	ID          string        `json:"id"`
	RideID      string        `json:"ride_id"`
	RequestID   string        `json:"request_id"`
	PassengerID string        `json:"passenger_id"`
	DriverID    string        `json:"driver_id"`
	Seats       int           `json:"seats"`
	Status      HistoryStatus `json:"status"`
	Ratings     []Rating      `json:"ratings,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
}

// RatingBy returns the rating left by raterID, if any.
func (h *HistoryEntry) RatingBy(raterID string) (Rating, bool) {
	for _, r := range h.Ratings {
		if r.RaterID == raterID {
			return r, true
		}
	}
	return Rating{}, false
}

// Reputation aggregates the ratings a user received from counterparts.
type Reputation struct {
	UserID   string `json:"user_id"`
	Positive int    `json:"positive"`
	Negative int    `json:"negative"`
}
