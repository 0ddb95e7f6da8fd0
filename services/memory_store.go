package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"tournament-engine/models"

	"github.com/rotisserie/eris"
)

// MemoryStore is an in-process Store used by tests and STORAGE_DRIVER=memory.
// Transactions are serialized and roll back on error. Writes made outside a
// transaction wait for the running one to finish.
type MemoryStore struct {
	*memoryState
	inTx bool
}

type memoryState struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data memoryData
}

type memoryData struct {
	tournaments map[string]models.Tournament
	players     map[string]models.Player
	queue       map[string]models.QueueEntry
	matches     map[string]models.Match
	parts       map[string]models.MatchParticipation
	events      []models.MatchEvent
	games       map[string]models.GameInstance
	gamePlayers map[string]models.GamePlayer
	segments    map[string]models.PlayerSegment
	changes     []models.SegmentChange
	tasks       map[string]models.MatchingTask
	grants      []models.RewardGrant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{memoryState: &memoryState{data: memoryData{
		tournaments: map[string]models.Tournament{},
		players:     map[string]models.Player{},
		queue:       map[string]models.QueueEntry{},
		matches:     map[string]models.Match{},
		parts:       map[string]models.MatchParticipation{},
		games:       map[string]models.GameInstance{},
		gamePlayers: map[string]models.GamePlayer{},
		segments:    map[string]models.PlayerSegment{},
		tasks:       map[string]models.MatchingTask{},
	}}}
}

func (d memoryData) clone() memoryData {
	out := memoryData{
		tournaments: copyMap(d.tournaments),
		players:     copyMap(d.players),
		queue:       copyMap(d.queue),
		matches:     copyMap(d.matches),
		parts:       copyMap(d.parts),
		events:      append([]models.MatchEvent(nil), d.events...),
		games:       copyMap(d.games),
		gamePlayers: copyMap(d.gamePlayers),
		segments:    copyMap(d.segments),
		changes:     append([]models.SegmentChange(nil), d.changes...),
		tasks:       copyMap(d.tasks),
		grants:      append([]models.RewardGrant(nil), d.grants...),
	}
	return out
}

func copyMap[K comparable, V any](in map[K]V) map[K]V {
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := s.data.clone()
	s.mu.RUnlock()

	if err := fn(&MemoryStore{memoryState: s.memoryState, inTx: true}); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// lockWrite takes the write lock, first waiting out any open transaction when
// called outside one. The returned func releases both.
func (s *MemoryStore) lockWrite() func() {
	if !s.inTx {
		s.txMu.Lock()
	}
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		if !s.inTx {
			s.txMu.Unlock()
		}
	}
}

func notFound(kind, id string) error {
	return eris.Wrapf(ErrNotFound, "%s %s", kind, id)
}

func stamp(ts *models.Timestamps, now time.Time) {
	if ts.CreatedAt.IsZero() {
		ts.CreatedAt = now
	}
	ts.UpdatedAt = now
}

// --- tournaments ---

func (s *MemoryStore) GetTournament(ctx context.Context, id string) (*models.Tournament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.data.tournaments[id]
	if !ok {
		return nil, notFound("tournament", id)
	}
	return &t, nil
}

func (s *MemoryStore) ListTournaments(ctx context.Context, status models.TournamentStatus) ([]models.Tournament, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Tournament
	for _, t := range s.data.tournaments {
		if status == "" || t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) CreateTournament(ctx context.Context, t *models.Tournament) error {
	defer s.lockWrite()()
	if _, exists := s.data.tournaments[t.ID]; exists {
		return eris.Wrapf(ErrInvalidState, "tournament %s already exists", t.ID)
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.data.tournaments[t.ID] = *t
	return nil
}

func (s *MemoryStore) UpdateTournamentStatus(ctx context.Context, id string, status models.TournamentStatus) error {
	defer s.lockWrite()()
	t, ok := s.data.tournaments[id]
	if !ok {
		return notFound("tournament", id)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	s.data.tournaments[id] = t
	return nil
}

// --- players ---

func (s *MemoryStore) GetPlayer(ctx context.Context, id string) (*models.Player, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.data.players[id]
	if !ok {
		return nil, notFound("player", id)
	}
	return &p, nil
}

func (s *MemoryStore) UpsertPlayers(ctx context.Context, players []models.Player) error {
	defer s.lockWrite()()
	now := time.Now()
	for _, p := range players {
		if existing, ok := s.data.players[p.ID]; ok && p.CreatedAt.IsZero() {
			p.CreatedAt = existing.CreatedAt
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		if p.UpdatedAt.IsZero() {
			p.UpdatedAt = now
		}
		s.data.players[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) LastPlayerUpdate(ctx context.Context) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last time.Time
	for _, p := range s.data.players {
		if p.UpdatedAt.After(last) {
			last = p.UpdatedAt
		}
	}
	return last, nil
}

// --- queue ---

func (s *MemoryStore) FindActiveEntry(ctx context.Context, playerID, tournamentID string) (*models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.data.queue {
		if e.PlayerID == playerID && e.TournamentID == tournamentID && e.Status.IsActive() {
			return &e, nil
		}
	}
	return nil, notFound("queue entry for player", playerID)
}

func (s *MemoryStore) FindLatestEntry(ctx context.Context, playerID, tournamentID string) (*models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.QueueEntry
	for _, e := range s.data.queue {
		if e.PlayerID != playerID || e.TournamentID != tournamentID {
			continue
		}
		if latest == nil || e.JoinedAt.After(latest.JoinedAt) {
			e := e
			latest = &e
		}
	}
	if latest == nil {
		return nil, notFound("queue entry for player", playerID)
	}
	return latest, nil
}

func (s *MemoryStore) CreateEntry(ctx context.Context, e *models.QueueEntry) error {
	defer s.lockWrite()()
	if e.Status.IsActive() {
		for _, other := range s.data.queue {
			if other.PlayerID == e.PlayerID && other.TournamentID == e.TournamentID && other.Status.IsActive() {
				return eris.Wrapf(ErrDuplicate, "player %s already queued for tournament %s", e.PlayerID, e.TournamentID)
			}
		}
	}
	stamp(&e.Timestamps, time.Now())
	s.data.queue[e.ID] = *e
	return nil
}

func (s *MemoryStore) UpdateEntry(ctx context.Context, e *models.QueueEntry) error {
	defer s.lockWrite()()
	if _, ok := s.data.queue[e.ID]; !ok {
		return notFound("queue entry", e.ID)
	}
	stamp(&e.Timestamps, time.Now())
	s.data.queue[e.ID] = *e
	return nil
}

func (s *MemoryStore) sortedEntries(filter func(models.QueueEntry) bool) []models.QueueEntry {
	var out []models.QueueEntry
	for _, e := range s.data.queue {
		if filter(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

func (s *MemoryStore) ListWaitingEntries(ctx context.Context, limit int) ([]models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.sortedEntries(func(e models.QueueEntry) bool { return e.Status == models.QueueWaiting })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListActiveEntries(ctx context.Context, tournamentID string) ([]models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedEntries(func(e models.QueueEntry) bool {
		return e.Status.IsActive() && (tournamentID == "" || e.TournamentID == tournamentID)
	}), nil
}

func (s *MemoryStore) ListWaitingBefore(ctx context.Context, cutoff time.Time) ([]models.QueueEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedEntries(func(e models.QueueEntry) bool {
		return e.Status == models.QueueWaiting && e.JoinedAt.Before(cutoff)
	}), nil
}

func (s *MemoryStore) CloseEntriesForMatch(ctx context.Context, matchID string, status models.QueueStatus, at time.Time) (int, error) {
	defer s.lockWrite()()
	n := 0
	for id, e := range s.data.queue {
		if e.MatchID == nil || *e.MatchID != matchID || !e.Status.IsActive() {
			continue
		}
		e.Status = status
		closed := at
		e.ClosedAt = &closed
		stamp(&e.Timestamps, at)
		s.data.queue[id] = e
		n++
	}
	return n, nil
}

// --- matches ---

func (s *MemoryStore) GetMatch(ctx context.Context, id string) (*models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.data.matches[id]
	if !ok {
		return nil, notFound("match", id)
	}
	return &m, nil
}

func (s *MemoryStore) GetMatchForUpdate(ctx context.Context, id string) (*models.Match, error) {
	return s.GetMatch(ctx, id)
}

func (s *MemoryStore) CreateMatch(ctx context.Context, m *models.Match) error {
	defer s.lockWrite()()
	stamp(&m.Timestamps, time.Now())
	s.data.matches[m.ID] = *m
	return nil
}

func (s *MemoryStore) UpdateMatch(ctx context.Context, m *models.Match) error {
	defer s.lockWrite()()
	if _, ok := s.data.matches[m.ID]; !ok {
		return notFound("match", m.ID)
	}
	m.UpdatedAt = time.Now()
	s.data.matches[m.ID] = *m
	return nil
}

func (s *MemoryStore) pendingMatches(filter func(models.Match) bool) []models.Match {
	var out []models.Match
	for _, m := range s.data.matches {
		if m.Status == models.MatchPending && filter(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *MemoryStore) ListPendingMatches(ctx context.Context, tournamentID string) ([]models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingMatches(func(m models.Match) bool {
		return tournamentID == "" || m.TournamentID == tournamentID
	}), nil
}

func (s *MemoryStore) ListPendingCreatedBefore(ctx context.Context, cutoff time.Time) ([]models.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingMatches(func(m models.Match) bool { return m.CreatedAt.Before(cutoff) }), nil
}

func (s *MemoryStore) ListParticipations(ctx context.Context, matchID string) ([]models.MatchParticipation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MatchParticipation
	for _, p := range s.data.parts {
		if p.MatchID == matchID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *MemoryStore) FindParticipation(ctx context.Context, matchID, playerID string) (*models.MatchParticipation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.data.parts {
		if p.MatchID == matchID && p.PlayerID == playerID && !p.Completed {
			return &p, nil
		}
	}
	return nil, notFound("participation of player", playerID)
}

func (s *MemoryStore) CreateParticipation(ctx context.Context, p *models.MatchParticipation) error {
	defer s.lockWrite()()
	stamp(&p.Timestamps, time.Now())
	s.data.parts[p.ID] = *p
	return nil
}

func (s *MemoryStore) UpdateParticipation(ctx context.Context, p *models.MatchParticipation) error {
	defer s.lockWrite()()
	if _, ok := s.data.parts[p.ID]; !ok {
		return notFound("participation", p.ID)
	}
	p.UpdatedAt = time.Now()
	s.data.parts[p.ID] = *p
	return nil
}

func (s *MemoryStore) DeleteParticipation(ctx context.Context, id string) error {
	defer s.lockWrite()()
	if _, ok := s.data.parts[id]; !ok {
		return notFound("participation", id)
	}
	delete(s.data.parts, id)
	return nil
}

func (s *MemoryStore) RecordEvent(ctx context.Context, e *models.MatchEvent) error {
	defer s.lockWrite()()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	s.data.events = append(s.data.events, *e)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, matchID string) ([]models.MatchEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MatchEvent
	for _, e := range s.data.events {
		if matchID == "" || e.MatchID == matchID {
			out = append(out, e)
		}
	}
	return out, nil
}

// --- games ---

func (s *MemoryStore) GetGame(ctx context.Context, id string) (*models.GameInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.data.games[id]
	if !ok {
		return nil, notFound("game", id)
	}
	return &g, nil
}

func (s *MemoryStore) CreateGame(ctx context.Context, g *models.GameInstance, players []models.GamePlayer) error {
	defer s.lockWrite()()
	now := time.Now()
	stamp(&g.Timestamps, now)
	stored := *g
	stored.Players = nil
	s.data.games[g.ID] = stored
	for _, p := range players {
		p.GameID = g.ID
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		s.data.gamePlayers[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) TransitionGame(ctx context.Context, id string, from []models.GameStatus, to models.GameStatus, apply func(*models.GameInstance)) (*models.GameInstance, error) {
	defer s.lockWrite()()
	g, ok := s.data.games[id]
	if !ok {
		return nil, notFound("game", id)
	}
	if !containsStatus(from, g.Status) {
		return nil, eris.Wrapf(ErrInvalidState, "game %s is %s", id, g.Status)
	}
	g.Status = to
	if apply != nil {
		apply(&g)
	}
	g.UpdatedAt = time.Now()
	s.data.games[id] = g
	return &g, nil
}

func (s *MemoryStore) ReclaimSettlement(ctx context.Context, id string, staleBefore, now time.Time) (*models.GameInstance, error) {
	defer s.lockWrite()()
	g, ok := s.data.games[id]
	if !ok {
		return nil, notFound("game", id)
	}
	if !g.SettlementStale(staleBefore) {
		return nil, eris.Wrapf(ErrInvalidState, "game %s is %s with a live claim", id, g.Status)
	}
	g.SettlingAt = &now
	g.UpdatedAt = time.Now()
	s.data.games[id] = g
	return &g, nil
}

func containsStatus(set []models.GameStatus, s models.GameStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func (s *MemoryStore) ListGamePlayers(ctx context.Context, gameID string) ([]models.GamePlayer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.GamePlayer
	for _, p := range s.data.gamePlayers {
		if p.GameID == gameID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Seat == out[j].Seat {
			return out[i].PlayerID < out[j].PlayerID
		}
		return out[i].Seat < out[j].Seat
	})
	return out, nil
}

func (s *MemoryStore) UpdateGamePlayer(ctx context.Context, p *models.GamePlayer) error {
	defer s.lockWrite()()
	if _, ok := s.data.gamePlayers[p.ID]; !ok {
		return notFound("game player", p.ID)
	}
	p.UpdatedAt = time.Now()
	s.data.gamePlayers[p.ID] = *p
	return nil
}

func (s *MemoryStore) MarkPlayersRewarded(ctx context.Context, gameID string, playerIDs []string) error {
	defer s.lockWrite()()
	want := make(map[string]bool, len(playerIDs))
	for _, id := range playerIDs {
		want[id] = true
	}
	for id, p := range s.data.gamePlayers {
		if p.GameID == gameID && want[p.PlayerID] {
			p.Status = models.GamePlayerRewarded
			p.UpdatedAt = time.Now()
			s.data.gamePlayers[id] = p
		}
	}
	return nil
}

// --- segments ---

func segmentKey(playerID, gameType string) string {
	return playerID + "|" + gameType
}

func (s *MemoryStore) GetSegment(ctx context.Context, playerID, gameType string) (*models.PlayerSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seg, ok := s.data.segments[segmentKey(playerID, gameType)]
	if !ok {
		return nil, notFound("segment of player", playerID)
	}
	return &seg, nil
}

func (s *MemoryStore) GetSegmentForUpdate(ctx context.Context, playerID, gameType string) (*models.PlayerSegment, error) {
	return s.GetSegment(ctx, playerID, gameType)
}

func (s *MemoryStore) SaveSegment(ctx context.Context, seg *models.PlayerSegment) error {
	defer s.lockWrite()()
	stamp(&seg.Timestamps, time.Now())
	s.data.segments[segmentKey(seg.PlayerID, seg.GameType)] = *seg
	return nil
}

func (s *MemoryStore) ListSegments(ctx context.Context, gameType string) ([]models.PlayerSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PlayerSegment
	for _, seg := range s.data.segments {
		if gameType == "" || seg.GameType == gameType {
			out = append(out, seg)
		}
	}
	sortLeaderboard(out)
	return out, nil
}

func (s *MemoryStore) Leaderboard(ctx context.Context, gameType, segmentName string, limit int) ([]models.PlayerSegment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PlayerSegment
	for _, seg := range s.data.segments {
		if seg.GameType == gameType && (segmentName == "" || seg.SegmentName == segmentName) {
			out = append(out, seg)
		}
	}
	sortLeaderboard(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortLeaderboard(out []models.PlayerSegment) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].CurrentPoints != out[j].CurrentPoints {
			return out[i].CurrentPoints > out[j].CurrentPoints
		}
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.Before(out[j].LastActivityAt)
		}
		return out[i].PlayerID < out[j].PlayerID
	})
}

func (s *MemoryStore) AppendChange(ctx context.Context, c *models.SegmentChange) error {
	defer s.lockWrite()()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	s.data.changes = append(s.data.changes, *c)
	return nil
}

func (s *MemoryStore) ListChanges(ctx context.Context, playerID, gameType string, limit int) ([]models.SegmentChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SegmentChange
	for i := len(s.data.changes) - 1; i >= 0; i-- {
		c := s.data.changes[i]
		if c.PlayerID == playerID && (gameType == "" || c.GameType == gameType) {
			out = append(out, c)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// --- tasks ---

func (s *MemoryStore) CreateTask(ctx context.Context, t *models.MatchingTask) error {
	defer s.lockWrite()()
	s.data.tasks[t.ID] = *t
	return nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, t *models.MatchingTask) error {
	defer s.lockWrite()()
	if _, ok := s.data.tasks[t.ID]; !ok {
		return notFound("task", t.ID)
	}
	s.data.tasks[t.ID] = *t
	return nil
}

func (s *MemoryStore) ListRecentTasks(ctx context.Context, taskType string, limit int) ([]models.MatchingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MatchingTask
	for _, t := range s.data.tasks {
		if taskType == "" || t.TaskType == taskType {
			out = append(out, t)
		}
	}
	sortTasksNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListTasksSince(ctx context.Context, since time.Time) ([]models.MatchingTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MatchingTask
	for _, t := range s.data.tasks {
		if !t.StartedAt.Before(since) {
			out = append(out, t)
		}
	}
	sortTasksNewestFirst(out)
	return out, nil
}

func sortTasksNewestFirst(out []models.MatchingTask) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
}

// --- reward ledger ---

func (s *MemoryStore) RecordGrant(ctx context.Context, g *models.RewardGrant) error {
	defer s.lockWrite()()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = time.Now()
	}
	s.data.grants = append(s.data.grants, *g)
	return nil
}

func (s *MemoryStore) ListGrants(ctx context.Context, playerID string, after time.Time, limit int) ([]models.RewardGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RewardGrant
	for _, g := range s.data.grants {
		if g.PlayerID == playerID && g.CreatedAt.After(after) {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListGameGrants(ctx context.Context, gameID string) ([]models.RewardGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RewardGrant
	for _, g := range s.data.grants {
		if g.GameID == gameID {
			out = append(out, g)
		}
	}
	return out, nil
}
