// Package store is the relay-side persistent store: audit rows, decisions,
// action logs, escort sessions, trust circles, notifications and user
// activity. Each row insert/update is independent; the design assumes no
// cross-row transactions.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/user/aegis/internal/types"
)

// Store wraps a gorm DB and implements the store interfaces in
// internal/types.
type Store struct {
	db *gorm.DB
}

// Open connects to the sqlite database at dsn and migrates the schema. An
// empty dsn opens an in-memory database.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = "file::memory:"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(
		&auditRow{},
		&decisionRow{},
		&actionLogRow{},
		&escortRow{},
		&circleRow{},
		&circleMessageRow{},
		&notificationRow{},
		&userStatusRow{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle for migrations and tests.
func (s *Store) DB() *gorm.DB { return s.db }

type auditRow struct {
	ID           uint   `gorm:"primaryKey"`
	UserID       string `gorm:"index"`
	EventType    string `gorm:"index"`
	Payload      string
	Status       string
	CoreEventID  string
	ErrorMessage string
	CreatedAt    time.Time `gorm:"index"`
	UpdatedAt    time.Time
}

type decisionRow struct {
	ID             string `gorm:"primaryKey"`
	UserID         string `gorm:"index"`
	CoreEventID    string
	CoreDecisionID string
	Actions        string
	CreatedAt      time.Time `gorm:"index"`
}

type actionLogRow struct {
	ID           string `gorm:"primaryKey"`
	UserID       string `gorm:"index"`
	DecisionID   string `gorm:"index"`
	ActionType   string
	Payload      string
	Result       string
	Status       string
	ErrorMessage string
	CreatedAt    time.Time
}

type escortRow struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Token     string `gorm:"uniqueIndex"`
	Active    bool   `gorm:"index"`
	Type      string
	StartTime time.Time
	EndTime   *time.Time
}

type circleRow struct {
	ID     uint   `gorm:"primaryKey"`
	UserID string `gorm:"uniqueIndex"`
	Name   string
	ChatID int64
}

type circleMessageRow struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	Message   string
	Urgency   string
	CreatedAt time.Time
}

type notificationRow struct {
	ID             uint   `gorm:"primaryKey"`
	UserID         string `gorm:"index"`
	Message        string
	TimeoutSeconds int
	Status         string
	CreatedAt      time.Time
}

type userStatusRow struct {
	ID             uint   `gorm:"primaryKey"`
	UserID         string `gorm:"uniqueIndex"`
	RiskLevel      string
	LastActivityAt time.Time `gorm:"index"`
}

// InsertAudit persists a new audit row and writes the assigned id back.
func (s *Store) InsertAudit(ctx context.Context, rec *types.AuditRecord) error {
	row := auditRow{
		UserID:       string(rec.UserID),
		EventType:    string(rec.EventType),
		Payload:      string(rec.Payload),
		Status:       string(rec.Status),
		CoreEventID:  rec.CoreEventID,
		ErrorMessage: rec.ErrorMessage,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	rec.ID = row.ID
	rec.CreatedAt = row.CreatedAt
	rec.UpdatedAt = row.UpdatedAt
	return nil
}

// UpdateAudit reconciles an audit row after the Core forward attempt.
func (s *Store) UpdateAudit(ctx context.Context, id uint, status types.AuditStatus, coreEventID, errMsg string) error {
	err := s.db.WithContext(ctx).Model(&auditRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":        string(status),
		"core_event_id": coreEventID,
		"error_message": errMsg,
	}).Error
	if err != nil {
		return fmt.Errorf("update audit row: %w", err)
	}
	return nil
}

// LastEventAt returns the creation time of the user's most recent audit row
// of the given event type. Used for cooldown suppression.
func (s *Store) LastEventAt(ctx context.Context, userID types.UserID, eventType types.EventType) (time.Time, bool, error) {
	var row auditRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND event_type = ?", string(userID), string(eventType)).
		Order("created_at DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last event: %w", err)
	}
	return row.CreatedAt, true, nil
}

// RecentAudits returns the newest audit rows, most recent first.
func (s *Store) RecentAudits(ctx context.Context, limit int) ([]*types.AuditRecord, error) {
	var rows []auditRow
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query audits: %w", err)
	}
	out := make([]*types.AuditRecord, len(rows))
	for i, r := range rows {
		out[i] = &types.AuditRecord{
			ID:           r.ID,
			UserID:       types.UserID(r.UserID),
			EventType:    types.EventType(r.EventType),
			Payload:      json.RawMessage(r.Payload),
			Status:       types.AuditStatus(r.Status),
			CoreEventID:  r.CoreEventID,
			ErrorMessage: r.ErrorMessage,
			CreatedAt:    r.CreatedAt,
			UpdatedAt:    r.UpdatedAt,
		}
	}
	return out, nil
}

// InsertDecision persists a decision keyed by the originating event.
func (s *Store) InsertDecision(ctx context.Context, rec *types.DecisionRecord) error {
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return fmt.Errorf("marshal actions: %w", err)
	}
	row := decisionRow{
		ID:             string(rec.ID),
		UserID:         string(rec.UserID),
		CoreEventID:    rec.CoreEventID,
		CoreDecisionID: rec.CoreDecisionID,
		Actions:        string(actions),
		CreatedAt:      rec.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
		rec.CreatedAt = row.CreatedAt
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func decisionFromRow(r *decisionRow) (*types.DecisionRecord, error) {
	var actions []types.Action
	if r.Actions != "" {
		if err := json.Unmarshal([]byte(r.Actions), &actions); err != nil {
			return nil, fmt.Errorf("unmarshal actions: %w", err)
		}
	}
	return &types.DecisionRecord{
		ID:             types.DecisionID(r.ID),
		UserID:         types.UserID(r.UserID),
		CoreEventID:    r.CoreEventID,
		CoreDecisionID: r.CoreDecisionID,
		Actions:        actions,
		CreatedAt:      r.CreatedAt,
	}, nil
}

// DecisionsForUser returns the user's decisions, most recent first.
func (s *Store) DecisionsForUser(ctx context.Context, userID types.UserID, limit int) ([]*types.DecisionRecord, error) {
	var rows []decisionRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", string(userID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	out := make([]*types.DecisionRecord, 0, len(rows))
	for i := range rows {
		rec, err := decisionFromRow(&rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// LatestActionRequest returns the most recent decision for the user whose
// action list contains the given action type, or nil if none exists.
func (s *Store) LatestActionRequest(ctx context.Context, userID types.UserID, action types.ActionType) (*types.DecisionRecord, error) {
	var rows []decisionRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND actions LIKE ?", string(userID), "%"+string(action)+"%").
		Order("created_at DESC").
		Limit(1).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query action request: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return decisionFromRow(&rows[0])
}

// AppendActionLog writes one action-execution audit record. Rows are never
// updated after creation.
func (s *Store) AppendActionLog(ctx context.Context, entry *types.ActionLogEntry) error {
	row := actionLogRow{
		ID:           string(entry.ID),
		UserID:       string(entry.UserID),
		DecisionID:   string(entry.DecisionID),
		ActionType:   string(entry.ActionType),
		Payload:      string(entry.Payload),
		Result:       string(entry.Result),
		Status:       string(entry.Status),
		ErrorMessage: entry.ErrorMessage,
		CreatedAt:    entry.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("append action log: %w", err)
	}
	return nil
}

// ActionLogsForUser returns the user's action logs, most recent first.
func (s *Store) ActionLogsForUser(ctx context.Context, userID types.UserID, limit int) ([]*types.ActionLogEntry, error) {
	var rows []actionLogRow
	err := s.db.WithContext(ctx).
		Where("user_id = ?", string(userID)).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query action logs: %w", err)
	}
	out := make([]*types.ActionLogEntry, len(rows))
	for i, r := range rows {
		out[i] = &types.ActionLogEntry{
			ID:           types.ActionLogID(r.ID),
			UserID:       types.UserID(r.UserID),
			DecisionID:   types.DecisionID(r.DecisionID),
			ActionType:   types.ActionType(r.ActionType),
			Payload:      json.RawMessage(r.Payload),
			Result:       json.RawMessage(r.Result),
			Status:       types.ActionLogStatus(r.Status),
			ErrorMessage: r.ErrorMessage,
			CreatedAt:    r.CreatedAt,
		}
	}
	return out, nil
}

// CreateEscort persists a new active escort session.
func (s *Store) CreateEscort(ctx context.Context, sess *types.EscortSession) error {
	row := escortRow{
		UserID:    string(sess.UserID),
		Token:     sess.Token,
		Active:    sess.Active,
		Type:      sess.Type,
		StartTime: sess.StartTime,
		EndTime:   sess.EndTime,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("create escort session: %w", err)
	}
	return nil
}

// DeactivateEscorts closes all of the user's active sessions.
func (s *Store) DeactivateEscorts(ctx context.Context, userID types.UserID) (int, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&escortRow{}).
		Where("user_id = ? AND active = ?", string(userID), true).
		Updates(map[string]any{"active": false, "end_time": &now})
	if res.Error != nil {
		return 0, fmt.Errorf("deactivate escorts: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

// ActiveEscorts returns the user's currently active sessions.
func (s *Store) ActiveEscorts(ctx context.Context, userID types.UserID) ([]*types.EscortSession, error) {
	var rows []escortRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND active = ?", string(userID), true).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query escorts: %w", err)
	}
	out := make([]*types.EscortSession, len(rows))
	for i, r := range rows {
		out[i] = &types.EscortSession{
			UserID:    types.UserID(r.UserID),
			Token:     r.Token,
			Active:    r.Active,
			Type:      r.Type,
			StartTime: r.StartTime,
			EndTime:   r.EndTime,
		}
	}
	return out, nil
}

// CircleForUser returns the user's trusted circle, or (nil, nil) if none.
func (s *Store) CircleForUser(ctx context.Context, userID types.UserID) (*types.TrustCircle, error) {
	var row circleRow
	err := s.db.WithContext(ctx).Where("user_id = ?", string(userID)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query circle: %w", err)
	}
	return &types.TrustCircle{
		UserID: types.UserID(row.UserID),
		Name:   row.Name,
		ChatID: row.ChatID,
	}, nil
}

// SaveCircle creates or replaces the user's trusted circle.
func (s *Store) SaveCircle(ctx context.Context, circle *types.TrustCircle) error {
	row := circleRow{
		UserID: string(circle.UserID),
		Name:   circle.Name,
		ChatID: circle.ChatID,
	}
	err := s.db.WithContext(ctx).
		Where("user_id = ?", row.UserID).
		Assign(map[string]any{"name": row.Name, "chat_id": row.ChatID}).
		FirstOrCreate(&circleRow{}, circleRow{UserID: row.UserID}).Error
	if err != nil {
		return fmt.Errorf("save circle: %w", err)
	}
	return nil
}

// InsertCircleMessage appends an alert to the circle's channel.
func (s *Store) InsertCircleMessage(ctx context.Context, msg *types.CircleMessage) error {
	row := circleMessageRow{
		UserID:    string(msg.UserID),
		Message:   msg.Message,
		Urgency:   msg.Urgency,
		CreatedAt: msg.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert circle message: %w", err)
	}
	return nil
}

// InsertNotification persists a pending in-app notification.
func (s *Store) InsertNotification(ctx context.Context, n *types.Notification) error {
	row := notificationRow{
		UserID:         string(n.UserID),
		Message:        n.Message,
		TimeoutSeconds: n.TimeoutSeconds,
		Status:         n.Status,
		CreatedAt:      n.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

// TouchActivity records a user's latest activity and risk classification.
func (s *Store) TouchActivity(ctx context.Context, userID types.UserID, risk types.RiskLevel, at time.Time) error {
	var row userStatusRow
	err := s.db.WithContext(ctx).Where("user_id = ?", string(userID)).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		row = userStatusRow{
			UserID:         string(userID),
			RiskLevel:      string(risk),
			LastActivityAt: at,
		}
		if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
			return fmt.Errorf("create user status: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("query user status: %w", err)
	}
	err = s.db.WithContext(ctx).Model(&userStatusRow{}).Where("user_id = ?", string(userID)).Updates(map[string]any{
		"risk_level":       string(risk),
		"last_activity_at": at,
	}).Error
	if err != nil {
		return fmt.Errorf("update user status: %w", err)
	}
	return nil
}

// InactiveUsers returns users with a risk classification whose last activity
// is older than the cutoff.
func (s *Store) InactiveUsers(ctx context.Context, olderThan time.Time) ([]*types.UserStatus, error) {
	var rows []userStatusRow
	err := s.db.WithContext(ctx).
		Where("last_activity_at < ? AND risk_level <> ''", olderThan).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("query inactive users: %w", err)
	}
	out := make([]*types.UserStatus, len(rows))
	for i, r := range rows {
		out[i] = &types.UserStatus{
			UserID:         types.UserID(r.UserID),
			RiskLevel:      types.RiskLevel(r.RiskLevel),
			LastActivityAt: r.LastActivityAt,
		}
	}
	return out, nil
}
