package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/ride-share/internal/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

const uniqueViolation = "23505"

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle; used with sqlmock in tests.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	entries, err := migrations.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }

const insertRide = `INSERT INTO rides (id, driver_id, origin, destination, departure_at, total_seats, available_seats,
	price_per_seat, currency, vehicle_type, notes, status, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`

const updateRide = `UPDATE rides SET available_seats=$1, status=$2, updated_at=$3 WHERE id=$4`

func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, insertRide,
		r.ID, r.DriverID, r.Origin, r.Destination, r.DepartureAt, r.TotalSeats, r.AvailableSeats,
		r.PricePerSeat, r.Currency, r.VehicleType, r.Notes, string(r.Status), r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateRide(ctx context.Context, r *models.Ride) error {
	return execUpdateRide(ctx, p.db, r)
}

const insertRequest = `INSERT INTO ride_requests (id, ride_id, passenger_id, seats, status, message, reason,
	conversation_id, created_at, decided_at) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

const updateRequest = `UPDATE ride_requests SET status=$1, reason=$2, conversation_id=$3, decided_at=$4 WHERE id=$5`

func (p *PostgresStore) SaveRequest(ctx context.Context, req *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, insertRequest,
		req.ID, req.RideID, req.PassengerID, req.Seats, string(req.Status), req.Message, req.Reason,
		req.ConversationID, req.CreatedAt, req.DecidedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Errorf(models.KindDuplicateRequest, "passenger already has a pending request on ride %s", req.RideID)
		}
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateRequest(ctx context.Context, req *models.RideRequest) error {
	return execUpdateRequest(ctx, p.db, req)
}

func (p *PostgresStore) CommitAcceptance(ctx context.Context, ride *models.Ride, req *models.RideRequest, conv *models.Conversation) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		if conv != nil {
			if err := execInsertConversation(ctx, tx, conv); err != nil {
				return err
			}
		}
		if err := execUpdateRide(ctx, tx, ride); err != nil {
			return err
		}
		return execUpdateRequest(ctx, tx, req)
	})
}

func (p *PostgresStore) CommitCancellation(ctx context.Context, ride *models.Ride, reqs []models.RideRequest) error {
	return p.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := execUpdateRide(ctx, tx, ride); err != nil {
			return err
		}
		for i := range reqs {
			if err := execUpdateRequest(ctx, tx, &reqs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

const insertHistory = `INSERT INTO history_entries (id, ride_id, request_id, passenger_id, driver_id, seats, status, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`

const insertRating = `INSERT INTO ratings (entry_id, rater_id, value, created_at) VALUES ($1,$2,$3,$4)`

func (p *PostgresStore) SaveHistory(ctx context.Context, h *models.HistoryEntry) error {
	_, err := p.db.ExecContext(ctx, insertHistory,
		h.ID, h.RideID, h.RequestID, h.PassengerID, h.DriverID, h.Seats, string(h.Status), h.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveRating(ctx context.Context, entryID string, r models.Rating) error {
	_, err := p.db.ExecContext(ctx, insertRating, entryID, r.RaterID, string(r.Value), r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Errorf(models.KindAlreadyRated, "%s already rated entry %s", r.RaterID, entryID)
		}
		return fmt.Errorf("insert rating: %w", err)
	}
	return nil
}

const insertConversation = `INSERT INTO conversations (id, participant_a, participant_b, ride_id, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6)`

const insertMessage = `INSERT INTO messages (id, conversation_id, sender_id, text, attachment_urls, attachment_names, status, seq, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`

func (p *PostgresStore) SaveConversation(ctx context.Context, c *models.Conversation) error {
	return execInsertConversation(ctx, p.db, c)
}

func execInsertConversation(ctx context.Context, db execer, c *models.Conversation) error {
	_, err := db.ExecContext(ctx, insertConversation,
		c.ID, c.ParticipantIDs[0], c.ParticipantIDs[1], c.RideID, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (p *PostgresStore) SaveMessage(ctx context.Context, m *models.Message) error {
	urls := make([]string, len(m.Attachments))
	names := make([]string, len(m.Attachments))
	for i, a := range m.Attachments {
		urls[i], names[i] = a.URL, a.Name
	}
	_, err := p.db.ExecContext(ctx, insertMessage,
		m.ID, m.ConversationID, m.SenderID, m.Text, pq.Array(urls), pq.Array(names), string(m.Status), m.Seq, m.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (p *PostgresStore) UpdateMessageStatus(ctx context.Context, messageID string, status models.MessageStatus) error {
	if _, err := p.db.ExecContext(ctx, `UPDATE messages SET status=$1 WHERE id=$2`, string(status), messageID); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

type rideRow struct {
	ID             string    `db:"id"`
	DriverID       string    `db:"driver_id"`
	Origin         string    `db:"origin"`
	Destination    string    `db:"destination"`
	DepartureAt    time.Time `db:"departure_at"`
	TotalSeats     int       `db:"total_seats"`
	AvailableSeats int       `db:"available_seats"`
	PricePerSeat   int64     `db:"price_per_seat"`
	Currency       string    `db:"currency"`
	VehicleType    string    `db:"vehicle_type"`
	Notes          string    `db:"notes"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

type requestRow struct {
	ID             string     `db:"id"`
	RideID         string     `db:"ride_id"`
	PassengerID    string     `db:"passenger_id"`
	Seats          int        `db:"seats"`
	Status         string     `db:"status"`
	Message        string     `db:"message"`
	Reason         string     `db:"reason"`
	ConversationID string     `db:"conversation_id"`
	CreatedAt      time.Time  `db:"created_at"`
	DecidedAt      *time.Time `db:"decided_at"`
}

type historyRow struct {
	ID          string    `db:"id"`
	RideID      string    `db:"ride_id"`
	RequestID   string    `db:"request_id"`
	PassengerID string    `db:"passenger_id"`
	DriverID    string    `db:"driver_id"`
	Seats       int       `db:"seats"`
	Status      string    `db:"status"`
	CreatedAt   time.Time `db:"created_at"`
}

type ratingRow struct {
	EntryID   string    `db:"entry_id"`
	RaterID   string    `db:"rater_id"`
	Value     string    `db:"value"`
	CreatedAt time.Time `db:"created_at"`
}

type conversationRow struct {
	ID           string    `db:"id"`
	ParticipantA string    `db:"participant_a"`
	ParticipantB string    `db:"participant_b"`
	RideID       string    `db:"ride_id"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type messageRow struct {
	ID              string         `db:"id"`
	ConversationID  string         `db:"conversation_id"`
	SenderID        string         `db:"sender_id"`
	Text            string         `db:"text"`
	AttachmentURLs  pq.StringArray `db:"attachment_urls"`
	AttachmentNames pq.StringArray `db:"attachment_names"`
	Status          string         `db:"status"`
	Seq             uint64         `db:"seq"`
	CreatedAt       time.Time      `db:"created_at"`
}

// Load reads every table; the service keeps its working set in memory.
func (p *PostgresStore) Load(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{}

	var rides []rideRow
	if err := p.db.SelectContext(ctx, &rides, `SELECT * FROM rides`); err != nil {
		return nil, fmt.Errorf("load rides: %w", err)
	}
	for _, r := range rides {
		snap.Rides = append(snap.Rides, models.Ride{
			ID: r.ID, DriverID: r.DriverID, Origin: r.Origin, Destination: r.Destination,
			DepartureAt: r.DepartureAt, TotalSeats: r.TotalSeats, AvailableSeats: r.AvailableSeats,
			PricePerSeat: r.PricePerSeat, Currency: r.Currency, VehicleType: r.VehicleType, Notes: r.Notes,
			Status: models.RideStatus(r.Status), CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
		})
	}

	var reqs []requestRow
	if err := p.db.SelectContext(ctx, &reqs, `SELECT * FROM ride_requests`); err != nil {
		return nil, fmt.Errorf("load requests: %w", err)
	}
	for _, r := range reqs {
		snap.Requests = append(snap.Requests, models.RideRequest{
			ID: r.ID, RideID: r.RideID, PassengerID: r.PassengerID, Seats: r.Seats,
			Status: models.RequestStatus(r.Status), Message: r.Message, Reason: r.Reason,
			ConversationID: r.ConversationID, CreatedAt: r.CreatedAt, DecidedAt: r.DecidedAt,
		})
	}

	var hist []historyRow
	if err := p.db.SelectContext(ctx, &hist, `SELECT * FROM history_entries`); err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	var ratings []ratingRow
	if err := p.db.SelectContext(ctx, &ratings, `SELECT * FROM ratings ORDER BY created_at`); err != nil {
		return nil, fmt.Errorf("load ratings: %w", err)
	}
	byEntry := make(map[string][]models.Rating)
	for _, r := range ratings {
		byEntry[r.EntryID] = append(byEntry[r.EntryID], models.Rating{
			RaterID: r.RaterID, Value: models.RatingValue(r.Value), CreatedAt: r.CreatedAt,
		})
	}
	for _, h := range hist {
		snap.History = append(snap.History, models.HistoryEntry{
			ID: h.ID, RideID: h.RideID, RequestID: h.RequestID, PassengerID: h.PassengerID,
			DriverID: h.DriverID, Seats: h.Seats, Status: models.HistoryStatus(h.Status),
			Ratings: byEntry[h.ID], CreatedAt: h.CreatedAt,
		})
	}

	var convs []conversationRow
	if err := p.db.SelectContext(ctx, &convs, `SELECT * FROM conversations`); err != nil {
		return nil, fmt.Errorf("load conversations: %w", err)
	}
	var msgs []messageRow
	if err := p.db.SelectContext(ctx, &msgs, `SELECT * FROM messages ORDER BY conversation_id, seq`); err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	byConv := make(map[string][]models.Message)
	for _, m := range msgs {
		msg := models.Message{
			ID: m.ID, ConversationID: m.ConversationID, SenderID: m.SenderID, Text: m.Text,
			Status: models.MessageStatus(m.Status), Seq: m.Seq, Timestamp: m.CreatedAt,
		}
		for i, u := range m.AttachmentURLs {
			a := models.Attachment{URL: u}
			if i < len(m.AttachmentNames) {
				a.Name = m.AttachmentNames[i]
			}
			msg.Attachments = append(msg.Attachments, a)
		}
		byConv[m.ConversationID] = append(byConv[m.ConversationID], msg)
	}
	for _, c := range convs {
		snap.Conversations = append(snap.Conversations, models.Conversation{
			ID: c.ID, ParticipantIDs: [2]string{c.ParticipantA, c.ParticipantB}, RideID: c.RideID,
			Messages: byConv[c.ID], CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
		})
	}
	return snap, nil
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func execUpdateRide(ctx context.Context, db execer, r *models.Ride) error {
	if _, err := db.ExecContext(ctx, updateRide, r.AvailableSeats, string(r.Status), r.UpdatedAt, r.ID); err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	return nil
}

func execUpdateRequest(ctx context.Context, db execer, req *models.RideRequest) error {
	if _, err := db.ExecContext(ctx, updateRequest, string(req.Status), req.Reason, req.ConversationID, req.DecidedAt, req.ID); err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
