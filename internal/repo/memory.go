package repo

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-gateway/internal/apperr"
	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

// MemoryStore is an in-process Store used for development and tests.
type MemoryStore struct {
	mu            sync.RWMutex
	devices       map[string]*model.Device
	messages      map[string]*model.Message
	byExternal    map[string]string
	conversations map[string]*model.Conversation
	byThread      map[string]string
	ownerOf       map[string]string
	templates     []model.Template

	now func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:       make(map[string]*model.Device),
		messages:      make(map[string]*model.Message),
		byExternal:    make(map[string]string),
		conversations: make(map[string]*model.Conversation),
		byThread:      make(map[string]string),
		ownerOf:       make(map[string]string),
		now:           time.Now,
	}
}

func threadKey(deviceID, counterpart string) string {
	return deviceID + "|" + counterpart
}

func (s *MemoryStore) CreateDevice(ctx context.Context, d *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if _, exists := s.devices[d.ID]; exists {
		return apperr.Conflict("device %s already exists", d.ID)
	}
	now := s.now().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	if d.State == "" {
		d.State = model.StateUninitialized
	}
	d.PeriodStart = model.PeriodStartOf(now)
	d.IsDefault = s.defaultOfLocked(d.OwnerID) == nil

	cp := *d
	s.devices[d.ID] = &cp
	return nil
}

func (s *MemoryStore) defaultOfLocked(ownerID string) *model.Device {
	for _, d := range s.devices {
		if d.OwnerID == ownerID && d.IsDefault {
			return d
		}
	}
	return nil
}

func (s *MemoryStore) GetDevice(ctx context.Context, id string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, apperr.NotFound("device %s not found", id)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetDefaultDevice(ctx context.Context, ownerID string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d := s.defaultOfLocked(ownerID)
	if d == nil {
		return nil, apperr.NotFound("owner %s has no default device", ownerID)
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) FindCloudDevice(ctx context.Context, phoneNumberID string) (*model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, d := range s.devices {
		if d.Backend == model.BackendCloud && d.Cloud != nil && d.Cloud.PhoneNumberID == phoneNumberID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("no cloud device for phone number id %s", phoneNumberID)
}

func (s *MemoryStore) ListDevices(ctx context.Context, f model.DeviceFilter) ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Device
	for _, d := range s.devices {
		if f.OwnerID != "" && d.OwnerID != f.OwnerID {
			continue
		}
		if f.Active != nil && d.Active != *f.Active {
			continue
		}
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	limit, offset := clampPage(f.Limit, f.Offset)
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

func (s *MemoryStore) UpdateDevice(ctx context.Context, d *model.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.devices[d.ID]
	if !ok {
		return apperr.NotFound("device %s not found", d.ID)
	}
	cur.Name = d.Name
	cur.Active = d.Active
	cur.CreditCost = d.CreditCost
	cur.Settings = d.Settings
	if d.Cloud != nil {
		c := *d.Cloud
		cur.Cloud = &c
	}
	cur.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) DeleteDevice(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return apperr.NotFound("device %s not found", id)
	}
	delete(s.devices, id)

	for mid, m := range s.messages {
		if m.DeviceID == id {
			delete(s.messages, mid)
			delete(s.ownerOf, mid)
			if m.ExternalID != "" {
				delete(s.byExternal, m.ExternalID)
			}
		}
	}
	for cid, c := range s.conversations {
		if c.DeviceID == id {
			delete(s.conversations, cid)
			delete(s.byThread, threadKey(c.DeviceID, c.Counterpart))
		}
	}

	if d.IsDefault {
		// Newest active sibling first, else the newest remaining one.
		var next *model.Device
		for _, cand := range s.devices {
			if cand.OwnerID != d.OwnerID {
				continue
			}
			if next == nil || promoteBefore(cand, next) {
				next = cand
			}
		}
		if next != nil {
			next.IsDefault = true
		}
	}
	return nil
}

func promoteBefore(a, b *model.Device) bool {
	if a.Active != b.Active {
		return a.Active
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (s *MemoryStore) SetDefault(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target, ok := s.devices[id]
	if !ok || target.OwnerID != ownerID {
		return apperr.NotFound("device %s not found for owner %s", id, ownerID)
	}
	for _, d := range s.devices {
		if d.OwnerID == ownerID {
			d.IsDefault = false
		}
	}
	target.IsDefault = true
	return nil
}

func (s *MemoryStore) UpdateConnection(ctx context.Context, id string, u ConnectionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[id]
	if !ok {
		return apperr.NotFound("device %s not found", id)
	}
	if u.State != "" {
		d.State = u.State
	}
	if u.Address != nil {
		d.Address = *u.Address
	}
	if u.SessionRef != nil {
		d.SessionRef = *u.SessionRef
	}
	if u.LastError != nil {
		d.LastError = *u.LastError
	}
	d.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) ListSessionDevices(ctx context.Context) ([]model.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Device
	for _, d := range s.devices {
		if d.Backend == model.BackendSession && d.Active && d.SessionRef != "" && d.State.Restorable() {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeviceStats(ctx context.Context, id string) (*model.DeviceStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.devices[id]
	if !ok {
		return nil, apperr.NotFound("device %s not found", id)
	}
	st := &model.DeviceStats{
		DeviceID:      id,
		State:         d.State,
		PeriodStart:   d.PeriodStart,
		SentCount:     d.SentCount,
		ReceivedCount: d.ReceivedCount,
		ByStatus:      make(map[model.Status]int64),
	}
	if model.PeriodStartOf(s.now()).After(d.PeriodStart) {
		st.PeriodStart = model.PeriodStartOf(s.now())
		st.SentCount, st.ReceivedCount = 0, 0
	}
	for _, m := range s.messages {
		if m.DeviceID == id && m.Direction == model.Outbound {
			st.ByStatus[m.Status]++
		}
	}
	for _, c := range s.conversations {
		if c.DeviceID == id {
			st.Conversations++
			st.Unread += c.UnreadCount
		}
	}
	return st, nil
}

// countLocked bumps the per-period counter of a device, starting a new
// period when the calendar month has rolled over.
func (s *MemoryStore) countLocked(deviceID string, dir model.Direction, at time.Time) error {
	d, ok := s.devices[deviceID]
	if !ok {
		return apperr.NotFound("device %s not found", deviceID)
	}
	period := model.PeriodStartOf(at)
	if period.After(d.PeriodStart) {
		d.PeriodStart = period
		d.SentCount, d.ReceivedCount = 0, 0
	}
	if dir == model.Outbound {
		d.SentCount++
	} else {
		d.ReceivedCount++
	}
	return nil
}

func (s *MemoryStore) upsertLocked(touch model.ConversationTouch) *model.Conversation {
	key := threadKey(touch.DeviceID, touch.Counterpart)
	var c *model.Conversation
	if id, ok := s.byThread[key]; ok {
		c = s.conversations[id]
	} else {
		c = &model.Conversation{
			ID:          uuid.NewString(),
			DeviceID:    touch.DeviceID,
			Counterpart: touch.Counterpart,
			Status:      model.ConversationActive,
			CreatedAt:   touch.At,
		}
		s.conversations[c.ID] = c
		s.byThread[key] = c.ID
	}
	c.LastMessageAt = touch.At
	c.LastPreview = touch.Preview
	c.LastDirection = touch.Direction
	c.TotalCount++
	c.Status = model.ConversationActive
	if touch.Direction == model.Inbound {
		c.UnreadCount++
	}
	return c
}

func (s *MemoryStore) CommitOutbound(ctx context.Context, m *model.Message, touch model.ConversationTouch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[m.DeviceID]
	if !ok {
		return apperr.NotFound("device %s not found", m.DeviceID)
	}
	if m.ExternalID != "" {
		if _, dup := s.byExternal[m.ExternalID]; dup {
			return apperr.Conflict("external id %s already recorded", m.ExternalID)
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := s.countLocked(m.DeviceID, model.Outbound, touch.At); err != nil {
		return err
	}
	c := s.upsertLocked(touch)
	m.ConversationID = c.ID
	m.DebitPending = m.CreditsCharged > 0

	cp := *m
	s.messages[m.ID] = &cp
	s.ownerOf[m.ID] = d.OwnerID
	if m.ExternalID != "" {
		s.byExternal[m.ExternalID] = m.ID
	}
	return nil
}

func (s *MemoryStore) InsertInbound(ctx context.Context, m *model.Message, touch model.ConversationTouch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.devices[m.DeviceID]
	if !ok {
		return false, apperr.NotFound("device %s not found", m.DeviceID)
	}
	if m.ExternalID != "" {
		if _, dup := s.byExternal[m.ExternalID]; dup {
			return false, nil
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if err := s.countLocked(m.DeviceID, model.Inbound, touch.At); err != nil {
		return false, err
	}
	c := s.upsertLocked(touch)
	m.ConversationID = c.ID

	cp := *m
	s.messages[m.ID] = &cp
	s.ownerOf[m.ID] = d.OwnerID
	if m.ExternalID != "" {
		s.byExternal[m.ExternalID] = m.ID
	}
	return true, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, apperr.NotFound("message %s not found", id)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byExternal[externalID]
	if !ok {
		return nil, apperr.NotFound("message with external id %s not found", externalID)
	}
	cp := *s.messages[id]
	return &cp, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to model.Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return false, nil
	}
	if m.Status != from {
		return false, nil
	}
	m.Status = to
	m.StatusAt = at.UTC()
	return true, nil
}

func (s *MemoryStore) matchLocked(m *model.Message, f model.MessageFilter) bool {
	if f.DeviceID != "" && m.DeviceID != f.DeviceID {
		return false
	}
	if f.OwnerID != "" && s.ownerOf[m.ID] != f.OwnerID {
		return false
	}
	if f.Direction != "" && m.Direction != f.Direction {
		return false
	}
	if f.Type != "" && m.Content.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !m.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

func (s *MemoryStore) ListMessages(ctx context.Context, f model.MessageFilter) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Message
	for _, m := range s.messages {
		if s.matchLocked(m, f) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	limit, offset := clampPage(f.Limit, f.Offset)
	return page(out, limit, offset), nil
}

func (s *MemoryStore) DeleteMessage(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return apperr.NotFound("message %s not found", id)
	}
	delete(s.messages, id)
	delete(s.ownerOf, id)
	if m.ExternalID != "" {
		delete(s.byExternal, m.ExternalID)
	}
	if c, ok := s.conversations[m.ConversationID]; ok && c.TotalCount > 0 {
		c.TotalCount--
	}
	return nil
}

func (s *MemoryStore) MessageStats(ctx context.Context, f model.MessageFilter, bucket model.Bucket) ([]model.StatsBucket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byStart := make(map[time.Time]*model.StatsBucket)
	for _, m := range s.messages {
		if !s.matchLocked(m, f) {
			continue
		}
		start := bucket.Truncate(m.CreatedAt)
		b, ok := byStart[start]
		if !ok {
			b = &model.StatsBucket{Start: start}
			byStart[start] = b
		}
		if m.Direction == model.Inbound {
			b.Inbound++
		} else {
			b.Outbound++
			b.Credits += m.CreditsCharged
		}
		if m.Status == model.Failed {
			b.Failed++
		}
	}
	out := make([]model.StatsBucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *MemoryStore) ListPendingDebits(ctx context.Context, limit int) ([]PendingDebit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []PendingDebit
	for _, m := range s.messages {
		if m.DebitPending {
			out = append(out, PendingDebit{MessageID: m.ID, OwnerID: s.ownerOf[m.ID], Amount: m.CreditsCharged})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MessageID < out[j].MessageID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) MarkDebited(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return apperr.NotFound("message %s not found", id)
	}
	m.DebitPending = false
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, apperr.NotFound("conversation %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, deviceID string, limit, offset int) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Conversation
	for _, c := range s.conversations {
		if c.DeviceID == deviceID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return strings.Compare(out[i].ID, out[j].ID) < 0
		}
		return out[i].LastMessageAt.After(out[j].LastMessageAt)
	})
	limit, offset = clampPage(limit, offset)
	return page(out, limit, offset), nil
}

func (s *MemoryStore) ConversationMessages(ctx context.Context, conversationID string, limit, offset int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, apperr.NotFound("conversation %s not found", conversationID)
	}
	var out []model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	limit, offset = clampPage(limit, offset)
	return page(out, limit, offset), nil
}

func (s *MemoryStore) MarkConversationRead(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return apperr.NotFound("conversation %s not found", id)
	}
	c.UnreadCount = 0
	return nil
}

func (s *MemoryStore) SetConversationStatus(ctx context.Context, id string, status model.ConversationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return apperr.NotFound("conversation %s not found", id)
	}
	c.Status = status
	return nil
}
