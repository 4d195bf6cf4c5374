package models

import "time"

type RideStatus string

const (
	RideOpen      RideStatus = "open"
	RideFull      RideStatus = "full"
	RideDeparted  RideStatus = "departed"
	RideCancelled RideStatus = "cancelled"
)

// Ride is a driver-published trip. Prices are in minor currency units.
type Ride struct {
	ID             string     `json:"id"`
	DriverID       string     `json:"driver_id"`
	Origin         string     `json:"origin"`
	Destination    string     `json:"destination"`
	DepartureAt    time.Time  `json:"departure_at"`
	TotalSeats     int        `json:"total_seats"`
	AvailableSeats int        `json:"available_seats"` // 0..TotalSeats
	PricePerSeat   int64      `json:"price_per_seat"`
	Currency       string     `json:"currency"`
	VehicleType    string     `json:"vehicle_type,omitempty"`
	Notes          string     `json:"notes,omitempty"`
	Status         RideStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Bookable reports whether new requests may be placed against the ride.
func (r *Ride) Bookable() bool { return r.Status == RideOpen }

// Closed reports whether the ride can no longer take or confirm passengers.
func (r *Ride) Closed() bool { return r.Status == RideDeparted || r.Status == RideCancelled }

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestAccepted  RequestStatus = "accepted"
	RequestDeclined  RequestStatus = "declined"
	RequestCancelled RequestStatus = "cancelled"
)

type RideRequest struct {
	ID             string        `json:"id"`
	RideID         string        `json:"ride_id"`
	PassengerID    string        `json:"passenger_id"`
	Seats          int           `json:"seats_requested"`
	Status         RequestStatus `json:"status"`
	Message        string        `json:"message,omitempty"`
	Reason         string        `json:"reason,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	DecidedAt      *time.Time    `json:"decided_at,omitempty"`
}

// SearchFilter narrows Ride Catalog searches. Nil or zero fields match everything.
type SearchFilter struct {
	OriginContains      string
	DestinationContains string
	DepartFrom          *time.Time
	DepartTo            *time.Time
	MinPrice            *int64
	MaxPrice            *int64
	MinSeats            int
}
