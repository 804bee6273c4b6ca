package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ceyewan/chorus/logic/notify"
	"github.com/ceyewan/chorus/model"
	"github.com/ceyewan/chorus/repo"
)

// memStore 内存版数据层，语义与 PostgreSQL 实现保持一致，供服务层测试使用
type memStore struct {
	mu sync.Mutex

	users       map[string]*model.User
	rooms       map[string]*model.Room
	members     map[string]map[string]*model.RoomMember
	messages    map[int64]*model.Message
	reactions   map[int64]map[string]*model.Reaction
	deliveries  map[int64][]string
	reads       map[int64][]string
	pointers    map[string]map[string]int64
	mentions    map[int64][]*model.Mention
	attachments map[string]*model.Attachment
	presence    map[string]*model.Presence

	nextMessageID  int64
	nextReactionID int64
	clock          time.Time
}

var (
	_ repo.UserRepo     = (*memStore)(nil)
	_ repo.RoomRepo     = (*memStore)(nil)
	_ repo.MessageRepo  = (*memStore)(nil)
	_ repo.PresenceRepo = (*memStore)(nil)
)

func newMemStore() *memStore {
	return &memStore{
		users:       make(map[string]*model.User),
		rooms:       make(map[string]*model.Room),
		members:     make(map[string]map[string]*model.RoomMember),
		messages:    make(map[int64]*model.Message),
		reactions:   make(map[int64]map[string]*model.Reaction),
		deliveries:  make(map[int64][]string),
		reads:       make(map[int64][]string),
		pointers:    make(map[string]map[string]int64),
		mentions:    make(map[int64][]*model.Mention),
		attachments: make(map[string]*model.Attachment),
		presence:    make(map[string]*model.Presence),
		clock:       time.Unix(1700000000, 0),
	}
}

// ---- 测试数据 ----

func (s *memStore) addUser(id string) *model.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := &model.User{ID: id, Username: id, DisplayName: id, PresenceVisibility: model.VisibilityEveryone}
	s.users[id] = u
	return u
}

func (s *memStore) addRoom(id string, isGroup bool, userIDs ...string) {
	for _, uid := range userIDs {
		if _, ok := s.users[uid]; !ok {
			s.addUser(uid)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[id] = &model.Room{ID: id, IsGroup: isGroup, Name: id}
	s.members[id] = make(map[string]*model.RoomMember)
	for i, uid := range userIDs {
		kind := model.MemberNormal
		if i == 0 {
			kind = model.MemberOwner
		}
		s.members[id][uid] = &model.RoomMember{RoomID: id, UserID: uid, Kind: kind, JoinedAt: s.clock.Add(time.Duration(i) * time.Second)}
	}
}

func (s *memStore) ban(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.members[roomID][userID].Kind = model.MemberBanned
}

func (s *memStore) leave(roomID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock
	s.members[roomID][userID].Kind = model.MemberOld
	s.members[roomID][userID].LeftAt = &now
}

func (s *memStore) pointer(userID, roomKey string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pointers[userID][roomKey]
	return id, ok
}

func (s *memStore) countMessages(pred func(*model.Message) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if pred(m) {
			n++
		}
	}
	return n
}

// ---- UserRepo ----

func (s *memStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", userID, repo.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) GetUsers(ctx context.Context, userIDs []string) ([]*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.User, 0, len(userIDs))
	for _, id := range userIDs {
		if u, ok := s.users[id]; ok {
			cp := *u
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memStore) SetPresence(ctx context.Context, userID string, online bool, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, repo.ErrNotFound)
	}
	u.IsOnline = online
	if lastSeen != nil {
		t := *lastSeen
		u.LastSeenAt = &t
	}
	return nil
}

func (s *memStore) Close() error { return nil }

// ---- RoomRepo ----

func (s *memStore) GetRoom(ctx context.Context, roomID string) (*model.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, repo.ErrNotFound)
	}
	return r, nil
}

func (s *memStore) GetMember(ctx context.Context, roomID, userID string) (*model.RoomMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[roomID][userID]
	if !ok {
		return nil, fmt.Errorf("member: %w", repo.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) GetActiveMembers(ctx context.Context, roomID string) ([]*model.RoomMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeMembers(roomID), nil
}

func (s *memStore) activeMembers(roomID string) []*model.RoomMember {
	out := make([]*model.RoomMember, 0)
	for _, m := range s.members[roomID] {
		if m.Active() {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

func (s *memStore) isActive(roomID, userID string) bool {
	m, ok := s.members[roomID][userID]
	return ok && m.Active()
}

func (s *memStore) GetActiveRoomIDs(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for roomID := range s.members {
		if s.isActive(roomID, userID) {
			out = append(out, roomID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *memStore) GetRoomPeers(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for roomID := range s.members {
		if !s.isActive(roomID, userID) {
			continue
		}
		for _, m := range s.activeMembers(roomID) {
			if _, ok := seen[m.UserID]; ok || m.UserID == userID {
				continue
			}
			seen[m.UserID] = struct{}{}
			out = append(out, m.UserID)
		}
	}
	return out, nil
}

func (s *memStore) ListRooms(ctx context.Context, userID string) ([]*repo.RoomSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repo.RoomSummary
	for roomID, room := range s.rooms {
		if !s.isActive(roomID, userID) {
			continue
		}
		sum := &repo.RoomSummary{RoomKey: roomID, Room: room}
		if id, ok := s.pointers[userID][roomID]; ok {
			sum.LastMessage = s.messages[id]
		}
		for _, m := range s.messages {
			if m.RoomKey() == roomID && s.unreadFor(m, userID) {
				sum.Unread++
			}
		}
		out = append(out, sum)
	}
	selfKey := model.SelfRoomID(userID)
	if id, ok := s.pointers[userID][selfKey]; ok {
		out = append(out, &repo.RoomSummary{RoomKey: selfKey, LastMessage: s.messages[id]})
	}
	sort.SliceStable(out, func(i, j int) bool { return lastOf(out[i]) > lastOf(out[j]) })
	return out, nil
}

func lastOf(s *repo.RoomSummary) int64 {
	if s.LastMessage == nil {
		return 0
	}
	return s.LastMessage.ID
}

func (s *memStore) unreadFor(m *model.Message, userID string) bool {
	return m.Type != model.TypeRoomCreated && m.Sender() != userID && m.VisibleTo(userID) && !contains(s.reads[m.ID], userID)
}

// ---- MessageRepo ----

func (s *memStore) CreateMessage(ctx context.Context, msg *model.Message, attachmentIDs []string, pointerUserIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.RoomID != nil {
		if _, ok := s.rooms[*msg.RoomID]; !ok {
			return fmt.Errorf("room: %w", repo.ErrNotFound)
		}
	}
	for _, id := range attachmentIDs {
		a, ok := s.attachments[id]
		if !ok || a.UploaderID != msg.Sender() || a.MessageID != nil {
			return fmt.Errorf("attachment %s: %w", id, repo.ErrAttachmentUnbound)
		}
	}
	s.insert(msg)
	for _, id := range attachmentIDs {
		mid := msg.ID
		s.attachments[id].MessageID = &mid
	}
	s.advance(pointerUserIDs, msg.RoomKey(), msg.ID)
	return nil
}

func (s *memStore) insert(msg *model.Message) {
	s.nextMessageID++
	s.clock = s.clock.Add(time.Second)
	msg.ID = s.nextMessageID
	msg.CreatedAt = s.clock
	cp := *msg
	s.messages[msg.ID] = &cp
}

func (s *memStore) advance(userIDs []string, roomKey string, msgID int64) {
	for _, uid := range userIDs {
		if s.pointers[uid] == nil {
			s.pointers[uid] = make(map[string]int64)
		}
		if cur, ok := s.pointers[uid][roomKey]; !ok || cur < msgID {
			s.pointers[uid][roomKey] = msgID
		}
	}
}

func (s *memStore) recompute(userIDs []string, roomKey string) {
	for _, uid := range userIDs {
		var latest int64
		for _, m := range s.messages {
			if m.RoomKey() == roomKey && m.VisibleTo(uid) && m.ID > latest {
				latest = m.ID
			}
		}
		if latest == 0 {
			delete(s.pointers[uid], roomKey)
			continue
		}
		if s.pointers[uid] == nil {
			s.pointers[uid] = make(map[string]int64)
		}
		s.pointers[uid][roomKey] = latest
	}
}

func (s *memStore) purge(ids []int64) {
	for _, id := range ids {
		delete(s.messages, id)
		delete(s.deliveries, id)
		delete(s.reads, id)
		delete(s.mentions, id)
	}
}

func (s *memStore) GetMessage(ctx context.Context, messageID int64) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return nil, fmt.Errorf("message %d: %w", messageID, repo.ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *memStore) History(ctx context.Context, roomKey, viewerID string, beforeID int64, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, m := range s.messages {
		if m.RoomKey() != roomKey || !m.VisibleTo(viewerID) || (beforeID > 0 && m.ID >= beforeID) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) DeleteMessage(ctx context.Context, msg *model.Message) (*repo.DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roomKey := msg.RoomKey()
	doomed := []int64{msg.ID}
	for _, r := range s.reactions[msg.ID] {
		for id, m := range s.messages {
			if m.ReactionID != nil && *m.ReactionID == r.ID {
				doomed = append(doomed, id)
			}
		}
	}

	result := &repo.DeleteResult{}
	for _, a := range s.attachments {
		if a.MessageID != nil && *a.MessageID == msg.ID {
			result.Attachments = append(result.Attachments, a)
		}
	}
	for uid, ps := range s.pointers {
		if id, ok := ps[roomKey]; ok && containsID(doomed, id) {
			result.Repointed = append(result.Repointed, uid)
		}
	}
	s.purge(doomed)
	delete(s.reactions, msg.ID)
	for _, a := range result.Attachments {
		delete(s.attachments, a.ID)
	}
	s.recompute(result.Repointed, roomKey)
	return result, nil
}

func (s *memStore) MarkDelivered(ctx context.Context, messageID int64, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contains(s.deliveries[messageID], userID) {
		return false, nil
	}
	s.deliveries[messageID] = append(s.deliveries[messageID], userID)
	return true, nil
}

func (s *memStore) MarkRead(ctx context.Context, messageID int64, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if contains(s.reads[messageID], userID) {
		return false, nil
	}
	s.reads[messageID] = append(s.reads[messageID], userID)
	return true, nil
}

func (s *memStore) DeliveredUserIDs(ctx context.Context, messageID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deliveries[messageID]...), nil
}

func (s *memStore) ReadUserIDs(ctx context.Context, messageID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.reads[messageID]...), nil
}

func (s *memStore) FindUndelivered(ctx context.Context, roomID, userID string, limit int) ([]*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Message
	for _, m := range s.messages {
		if m.RoomKey() != roomID || m.Type == model.TypeRoomCreated || m.Sender() == userID || !m.VisibleTo(userID) {
			continue
		}
		if contains(s.deliveries[m.ID], userID) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) CountUnreadRooms(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make(map[string]struct{})
	for _, m := range s.messages {
		if m.RoomID == nil || !s.isActive(*m.RoomID, userID) {
			continue
		}
		if s.unreadFor(m, userID) {
			rooms[*m.RoomID] = struct{}{}
		}
	}
	return int64(len(rooms)), nil
}

func (s *memStore) SaveMentions(ctx context.Context, mentions []*model.Mention) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mentions {
		dup := false
		for _, e := range s.mentions[m.MessageID] {
			if e.UserID == m.UserID {
				dup = true
			}
		}
		if !dup {
			s.mentions[m.MessageID] = append(s.mentions[m.MessageID], m)
		}
	}
	return nil
}

func (s *memStore) GetMentions(ctx context.Context, messageIDs []int64) ([]*model.Mention, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Mention
	for _, id := range messageIDs {
		out = append(out, s.mentions[id]...)
	}
	return out, nil
}

func (s *memStore) UpsertReaction(ctx context.Context, reaction *model.Reaction, echo *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactions[reaction.MessageID] == nil {
		s.reactions[reaction.MessageID] = make(map[string]*model.Reaction)
	}
	existing, ok := s.reactions[reaction.MessageID][reaction.UserID]
	if ok {
		existing.Content = reaction.Content
		*reaction = *existing
	} else {
		s.nextReactionID++
		reaction.ID = s.nextReactionID
		cp := *reaction
		s.reactions[reaction.MessageID][reaction.UserID] = &cp
	}
	if echo == nil {
		return nil
	}

	var stale []int64
	for id, m := range s.messages {
		if m.ReactionID != nil && *m.ReactionID == reaction.ID {
			stale = append(stale, id)
		}
	}
	s.purge(stale)
	rid := reaction.ID
	echo.ReactionID = &rid
	s.insert(echo)
	users := []string{echo.Sender(), echo.Recipient()}
	s.recompute(users, echo.RoomKey())
	return nil
}

func (s *memStore) RemoveReaction(ctx context.Context, msg *model.Message, userID string) (*repo.ReactionRemoval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reactions[msg.ID][userID]
	if !ok {
		return &repo.ReactionRemoval{}, nil
	}
	affected := []string{userID}
	var echoes []int64
	for id, m := range s.messages {
		if m.ReactionID != nil && *m.ReactionID == r.ID {
			echoes = append(echoes, id)
			if m.Recipient() != "" && m.Recipient() != userID {
				affected = append(affected, m.Recipient())
			}
		}
	}
	s.purge(echoes)
	delete(s.reactions[msg.ID], userID)
	s.recompute(affected, msg.RoomKey())
	return &repo.ReactionRemoval{Removed: true, Affected: affected}, nil
}

func (s *memStore) GetReactionSummary(ctx context.Context, messageID int64, userID string) (*repo.ReactionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := &repo.ReactionSummary{Count: int64(len(s.reactions[messageID]))}
	if r, ok := s.reactions[messageID][userID]; ok {
		sum.Reacted = true
		sum.Content = r.Content
	}
	return sum, nil
}

func (s *memStore) CreateAttachment(ctx context.Context, attachment *model.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attachment
	s.attachments[attachment.ID] = &cp
	return nil
}

func (s *memStore) GetAttachments(ctx context.Context, messageIDs []int64) ([]*model.Attachment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.Attachment
	for _, a := range s.attachments {
		if a.MessageID != nil && containsID(messageIDs, *a.MessageID) {
			out = append(out, a)
		}
	}
	return out, nil
}

// ---- PresenceRepo ----

func (s *memStore) SetOnline(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = &model.Presence{UserID: userID, Online: true}
	return nil
}

func (s *memStore) SetOffline(ctx context.Context, userID string, lastSeen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[userID] = &model.Presence{UserID: userID, LastSeenAt: lastSeen}
	return nil
}

func (s *memStore) GetPresence(ctx context.Context, userID string) (*model.Presence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	if !ok {
		return nil, repo.ErrNotFound
	}
	return p, nil
}

func (s *memStore) IsOnline(ctx context.Context, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.presence[userID]
	return ok && p.Online, nil
}

func contains(list []string, v string) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func containsID(list []int64, v int64) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// ---- 连接注册表与扇出 ----

// fakeRegistry 记录在线用户与其订阅的房间
type fakeRegistry struct {
	mu     sync.Mutex
	joined map[string]map[string]bool // user -> room -> joined
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{joined: make(map[string]map[string]bool)}
}

func (r *fakeRegistry) connect(userID string, rooms ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.joined[userID] == nil {
		r.joined[userID] = make(map[string]bool)
	}
	for _, room := range rooms {
		r.joined[userID][room] = true
	}
}

func (r *fakeRegistry) IsReachable(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.joined[userID]
	return ok
}

func (r *fakeRegistry) UserJoinedRoom(userID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.joined[userID][roomID]
}

func (r *fakeRegistry) OnlineUsers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.joined))
	for id := range r.joined {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

type emission struct {
	scope   string // users / room / all
	targets []string
	roomID  string
	except  string
	event   string
	payload any
}

// recordingEmitter 记录所有扇出调用
type recordingEmitter struct {
	mu     sync.Mutex
	events []emission
}

func (e *recordingEmitter) ToUsers(ctx context.Context, userIDs []string, event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emission{scope: "users", targets: append([]string(nil), userIDs...), event: event, payload: payload})
}

func (e *recordingEmitter) ToRoom(ctx context.Context, roomID string, members []string, event string, payload any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emission{scope: "room", roomID: roomID, targets: append([]string(nil), members...), event: event, payload: payload})
}

// receivers 按注册表订阅关系还原一次房间广播实际到达的用户
func (e emission) receivers(reg *fakeRegistry) []string {
	if e.scope != "room" {
		return e.targets
	}
	var out []string
	for _, uid := range e.targets {
		if reg.UserJoinedRoom(uid, e.roomID) {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out
}

func (e *recordingEmitter) ToAll(ctx context.Context, event string, payload any, except string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, emission{scope: "all", except: except, event: event, payload: payload})
}

func (e *recordingEmitter) byEvent(event string) []emission {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []emission
	for _, ev := range e.events {
		if ev.event == event {
			out = append(out, ev)
		}
	}
	return out
}

func (e *recordingEmitter) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = nil
}

// recordingNotifier 记录通知事件
type recordingNotifier struct {
	mu     sync.Mutex
	events []*notify.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, evt *notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, evt)
}

func (n *recordingNotifier) byKind(kind notify.Kind) []*notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []*notify.Event
	for _, e := range n.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type recordingBlobs struct {
	removed []string
}

func (b *recordingBlobs) Remove(ctx context.Context, path string) error {
	b.removed = append(b.removed, path)
	return nil
}
