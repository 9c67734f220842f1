package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"chat-sync/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 对外暴露的表
const (
	TableConversations = "conversations"
	TableParticipants  = "conversation_participants"
	TableMessages      = "messages"
	TableProfiles      = "profiles"
	TableFollows       = "follows"
)

type tableDef struct {
	source  string
	columns map[string]bool
}

func columns(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}

var tables = map[string]tableDef{
	TableConversations: {source: "conversations", columns: columns("id", "direct_key", "created_at", "updated_at")},
	TableParticipants:  {source: "conversation_participants", columns: columns("conversation_id", "user_id", "joined_at")},
	TableMessages:      {source: "messages", columns: columns("id", "conversation_id", "sender_id", "content", "created_at")},
	TableProfiles:      {source: "users", columns: columns("id", "display_name", "avatar_url")},
	TableFollows:       {source: "follows", columns: columns("follower_id", "followed_id", "created_at")},
}

// Publisher 接收新写入的消息并推送给订阅者
type Publisher interface {
	Publish(m models.Message)
}

// RowStore applies row-level policies for the caller to every read and write.
// Denied reads filter rows; denied writes fail with 42501.
type RowStore struct {
	db  *gorm.DB
	pub Publisher
	now func() time.Time
}

// timestampPrecision 取各驱动中最粗的精度（MySQL datetime(3)），推送与查询返回同一时间戳
const timestampPrecision = time.Millisecond

func NewRowStore(db *gorm.DB, pub Publisher) *RowStore {
	return &RowStore{db: db, pub: pub, now: func() time.Time { return time.Now().UTC() }}
}

// stamp is the current time as the database will store it.
func (s *RowStore) stamp() time.Time {
	return s.now().UTC().Truncate(timestampPrecision)
}

func lookup(name string) (tableDef, error) {
	def, ok := tables[name]
	if !ok {
		return tableDef{}, undefinedTable(name)
	}
	return def, nil
}

func (def tableDef) validate(name string, q Query) error {
	for _, f := range q.Filters {
		if !def.columns[f.Column] {
			return undefinedColumn(name, f.Column)
		}
	}
	for _, o := range q.Order {
		if !def.columns[o.Column] {
			return undefinedColumn(name, o.Column)
		}
	}
	return nil
}

// Select returns the visible rows of table matching q. total is the number of
// matching rows when q.Count is set.
func (s *RowStore) Select(ctx context.Context, caller, table string, q Query) (interface{}, int64, error) {
	def, err := lookup(table)
	if err != nil {
		return nil, 0, err
	}
	if err := def.validate(table, q); err != nil {
		return nil, 0, err
	}

	tx := s.db.WithContext(ctx).Table(def.source)
	tx = s.readScope(tx, table, caller)
	tx = applyFilters(tx, q.Filters)

	var total int64
	if q.Count {
		if err := tx.Session(&gorm.Session{}).Count(&total).Error; err != nil {
			return nil, 0, translate(table, err)
		}
	}

	for _, o := range q.Order {
		tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: o.Column}, Desc: o.Desc})
	}
	if q.Limit >= 0 {
		tx = tx.Limit(q.Limit)
	}

	rows, err := s.find(tx, table, q.Limit == 0)
	if err != nil {
		return nil, 0, translate(table, err)
	}
	return rows, total, nil
}

func (s *RowStore) find(tx *gorm.DB, table string, empty bool) (interface{}, error) {
	switch table {
	case TableConversations:
		rows := []models.Conversation{}
		if !empty {
			return rows, tx.Find(&rows).Error
		}
		return rows, nil
	case TableParticipants:
		rows := []models.ConversationParticipant{}
		if !empty {
			return rows, tx.Find(&rows).Error
		}
		return rows, nil
	case TableMessages:
		rows := []models.Message{}
		if !empty {
			return rows, tx.Find(&rows).Error
		}
		return rows, nil
	case TableFollows:
		rows := []models.Follow{}
		if !empty {
			return rows, tx.Find(&rows).Error
		}
		return rows, nil
	case TableProfiles:
		profiles := []models.Profile{}
		if empty {
			return profiles, nil
		}
		var users []models.User
		if err := tx.Find(&users).Error; err != nil {
			return nil, err
		}
		for _, u := range users {
			profiles = append(profiles, u.Profile())
		}
		return profiles, nil
	}
	return nil, undefinedTable(table)
}

// readScope restricts tx to the rows caller may see.
func (s *RowStore) readScope(tx *gorm.DB, table, caller string) *gorm.DB {
	switch table {
	case TableConversations:
		esc := escapeLike(caller)
		return tx.Where("(id IN (?) OR direct_key LIKE ? ESCAPE '!' OR direct_key LIKE ? ESCAPE '!')",
			s.memberOf(caller), esc+":%", "%:"+esc)
	case TableParticipants, TableMessages:
		return tx.Where("conversation_id IN (?)", s.memberOf(caller))
	}
	return tx
}

// memberOf is the subquery of conversation ids caller belongs to.
func (s *RowStore) memberOf(caller string) *gorm.DB {
	return s.db.Table("conversation_participants").Select("conversation_id").Where("user_id = ?", caller)
}

func applyFilters(tx *gorm.DB, filters []Filter) *gorm.DB {
	for _, f := range filters {
		col := clause.Column{Name: f.Column}
		if f.In {
			vals := make([]interface{}, len(f.Values))
			for i, v := range f.Values {
				vals[i] = v
			}
			tx = tx.Where(clause.IN{Column: col, Values: vals})
			continue
		}
		tx = tx.Where(clause.Eq{Column: col, Value: f.Values[0]})
	}
	return tx
}

func escapeLike(s string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(s)
}

// Insert decodes one row from body, checks the insert policy and stores it.
func (s *RowStore) Insert(ctx context.Context, caller, table string, body []byte) (interface{}, error) {
	if _, err := lookup(table); err != nil {
		return nil, err
	}
	switch table {
	case TableConversations:
		var c models.Conversation
		if err := decodeRow(table, body, &c); err != nil {
			return nil, err
		}
		return s.insertConversation(ctx, caller, c)
	case TableParticipants:
		var m models.ConversationParticipant
		if err := decodeRow(table, body, &m); err != nil {
			return nil, err
		}
		return s.insertParticipant(ctx, caller, m)
	case TableMessages:
		var m models.Message
		if err := decodeRow(table, body, &m); err != nil {
			return nil, err
		}
		return s.insertMessage(ctx, caller, m)
	case TableFollows:
		var f models.Follow
		if err := decodeRow(table, body, &f); err != nil {
			return nil, err
		}
		return s.insertFollow(ctx, caller, f)
	}
	return nil, rlsViolation(table)
}

func decodeRow(table string, body []byte, dst interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if field, ok := strings.CutPrefix(err.Error(), "json: unknown field "); ok {
			return &StoreError{
				Status:  http.StatusBadRequest,
				Code:    "PGRST204",
				Message: fmt.Sprintf("Could not find the %s column of '%s' in the schema cache", field, table),
			}
		}
		return invalidInput("invalid %s row: %v", table, err)
	}
	return nil
}

func (s *RowStore) insertConversation(ctx context.Context, caller string, c models.Conversation) (models.Conversation, error) {
	if c.DirectKey != nil && *c.DirectKey != "" {
		a, b, ok := models.DirectKeyMembers(*c.DirectKey)
		if !ok || a == b || models.DirectKey(a, b) != *c.DirectKey {
			return models.Conversation{}, checkViolation("conversations_direct_key_format")
		}
	}
	if !c.HasDirectMember(caller) {
		return models.Conversation{}, rlsViolation(TableConversations)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := s.stamp()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := s.db.WithContext(ctx).Create(&c).Error; err != nil {
		return models.Conversation{}, translate(TableConversations, err)
	}
	return c, nil
}

// insertParticipant: a caller may add itself when the direct key names it,
// and may add another user only once it is a member itself.
func (s *RowStore) insertParticipant(ctx context.Context, caller string, m models.ConversationParticipant) (models.ConversationParticipant, error) {
	db := s.db.WithContext(ctx)
	var c models.Conversation
	if err := db.Where("id = ?", m.ConversationID).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return m, rlsViolation(TableParticipants)
		}
		return m, translate(TableParticipants, err)
	}

	if m.UserID != caller {
		member, err := s.isMember(ctx, c.ID, caller)
		if err != nil {
			return m, err
		}
		if !member {
			return m, rlsViolation(TableParticipants)
		}
	}
	if !c.HasDirectMember(m.UserID) {
		return m, rlsViolation(TableParticipants)
	}

	m.JoinedAt = s.stamp()
	if err := db.Create(&m).Error; err != nil {
		return m, translate(TableParticipants, err)
	}
	return m, nil
}

func (s *RowStore) insertMessage(ctx context.Context, caller string, m models.Message) (models.Message, error) {
	if m.SenderID == "" {
		m.SenderID = caller
	}
	if m.SenderID != caller {
		return m, rlsViolation(TableMessages)
	}
	member, err := s.isMember(ctx, m.ConversationID, caller)
	if err != nil {
		return m, err
	}
	if !member {
		return m, rlsViolation(TableMessages)
	}
	if strings.TrimSpace(m.Content) == "" {
		return m, checkViolation("messages_content_not_empty")
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	m.CreatedAt = s.stamp()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&m).Error; err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", m.ConversationID).
			Update("updated_at", m.CreatedAt).Error
	})
	if err != nil {
		return m, translate(TableMessages, err)
	}
	if s.pub != nil {
		s.pub.Publish(m)
	}
	return m, nil
}

func (s *RowStore) insertFollow(ctx context.Context, caller string, f models.Follow) (models.Follow, error) {
	if f.FollowerID == "" {
		f.FollowerID = caller
	}
	if f.FollowerID != caller {
		return f, rlsViolation(TableFollows)
	}
	if f.FollowerID == f.FollowedID {
		return f, checkViolation("follows_no_self")
	}
	f.CreatedAt = s.stamp()
	if err := s.db.WithContext(ctx).Create(&f).Error; err != nil {
		return f, translate(TableFollows, err)
	}
	return f, nil
}

// Delete removes caller's own matching rows. Only follows can be deleted.
func (s *RowStore) Delete(ctx context.Context, caller, table string, q Query) error {
	def, err := lookup(table)
	if err != nil {
		return err
	}
	if table != TableFollows {
		return rlsViolation(table)
	}
	if err := def.validate(table, q); err != nil {
		return err
	}
	if len(q.Filters) == 0 {
		return invalidInput("DELETE requires a filter")
	}
	tx := s.db.WithContext(ctx).Where("follower_id = ?", caller)
	tx = applyFilters(tx, q.Filters)
	return translate(table, tx.Delete(&models.Follow{}).Error)
}

// CanSubscribe reports whether caller may receive pushes for conversationID.
func (s *RowStore) CanSubscribe(ctx context.Context, caller, conversationID string) (bool, error) {
	return s.isMember(ctx, conversationID, caller)
}

func (s *RowStore) isMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&n).Error
	if err != nil {
		return false, translate(TableParticipants, err)
	}
	return n > 0, nil
}
