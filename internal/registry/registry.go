package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/opencatd/opencatd/internal/kv"
	"github.com/opencatd/opencatd/internal/models"
	"github.com/opencatd/opencatd/internal/security"
)

var (
	// ErrAlreadyInitialized is returned by InitOwner when the owner exists.
	ErrAlreadyInitialized = errors.New("registry: already initialized")
	// ErrNotInitialized is returned when the counters record is missing.
	ErrNotInitialized = errors.New("registry: not initialized")
	// ErrNotFound is returned when an operation target is absent.
	ErrNotFound = errors.New("registry: not found")
)

// Registry manages members, upstream keys and the shared id counters, all
// persisted through the Store. Id allocation is optimistic: a concurrent
// writer that advanced the counter first wins, and the loser surfaces
// kv.ErrConflict with nothing written. No operation retries internally.
type Registry struct {
	store kv.Store
}

// New constructs a Registry on the given store.
func New(store kv.Store) *Registry {
	return &Registry{store: store}
}

func memberKey(id int) string { return kv.Key("member", "id", strconv.Itoa(id)) }
func keyKey(id int) string    { return kv.Key("key", "id", strconv.Itoa(id)) }

var (
	memberPrefix = kv.Prefix("member", "id")
	keyPrefix    = kv.Prefix("key", "id")
	countersKey  = kv.Key("db", "config")
)

// InitOwner creates the reserved owner member (id 0, name "root") together
// with a zeroed counters record. The batch is guarded by a check that the
// owner slot is still absent at commit time, so exactly one of two racing
// initializations wins.
func (r *Registry) InitOwner(ctx context.Context) (models.Member, error) {
	ownerEntry, errGet := r.store.Get(ctx, memberKey(0))
	if errGet != nil {
		return models.Member{}, errGet
	}
	if ownerEntry.Exists() {
		return models.Member{}, ErrAlreadyInitialized
	}

	owner := models.Member{ID: 0, Name: "root", Token: security.NewToken()}
	ok, errApply := r.store.Atomic(ctx,
		[]kv.Check{{Key: memberKey(0), Version: 0}},
		[]kv.Mutation{
			kv.Put(memberKey(0), mustMarshal(owner)),
			kv.Put(countersKey, mustMarshal(models.Counters{})),
		})
	if errApply != nil {
		return models.Member{}, errApply
	}
	if !ok {
		return models.Member{}, kv.ErrConflict
	}
	return owner, nil
}

// Owner loads the reserved owner member.
func (r *Registry) Owner(ctx context.Context) (models.Member, error) {
	entry, errGet := r.store.Get(ctx, memberKey(0))
	if errGet != nil {
		return models.Member{}, errGet
	}
	if !entry.Exists() {
		return models.Member{}, ErrNotFound
	}
	var owner models.Member
	if errDecode := json.Unmarshal(entry.Value, &owner); errDecode != nil {
		return models.Member{}, fmt.Errorf("registry: decode owner: %w", errDecode)
	}
	return owner, nil
}

// AddMember allocates the next member id and writes the member together
// with the advanced counters, checked against the counters version read
// moments earlier.
func (r *Registry) AddMember(ctx context.Context, name string) (models.Member, error) {
	countersEntry, counters, errLoad := r.loadCounters(ctx)
	if errLoad != nil {
		return models.Member{}, errLoad
	}

	member := models.Member{
		ID:    counters.MemberSeq + 1,
		Name:  name,
		Token: security.NewToken(),
	}
	counters.MemberSeq = member.ID

	ok, errApply := r.store.Atomic(ctx,
		[]kv.Check{{Key: countersKey, Version: countersEntry.Version}},
		[]kv.Mutation{
			kv.Put(memberKey(member.ID), mustMarshal(member)),
			kv.Put(countersKey, mustMarshal(counters)),
		})
	if errApply != nil {
		return models.Member{}, errApply
	}
	if !ok {
		return models.Member{}, kv.ErrConflict
	}
	return member, nil
}

// ListMembers returns all members sorted by id.
func (r *Registry) ListMembers(ctx context.Context) ([]models.Member, error) {
	entries, errList := r.store.List(ctx, memberPrefix)
	if errList != nil {
		return nil, errList
	}
	members := make([]models.Member, 0, len(entries))
	for _, entry := range entries {
		var member models.Member
		if errDecode := json.Unmarshal(entry.Value, &member); errDecode != nil {
			return nil, fmt.Errorf("registry: decode member %s: %w", entry.Key, errDecode)
		}
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

// DeleteMember removes a member unconditionally; deleting an absent id
// succeeds. The id is never reclaimed.
func (r *Registry) DeleteMember(ctx context.Context, id int) error {
	return r.store.Delete(ctx, memberKey(id))
}

// ResetMember rotates a member's token, guarded by the version of the record
// it read, so a concurrent rotation is reported instead of overwritten.
func (r *Registry) ResetMember(ctx context.Context, id int) (models.Member, error) {
	entry, errGet := r.store.Get(ctx, memberKey(id))
	if errGet != nil {
		return models.Member{}, errGet
	}
	if !entry.Exists() {
		return models.Member{}, ErrNotFound
	}
	var member models.Member
	if errDecode := json.Unmarshal(entry.Value, &member); errDecode != nil {
		return models.Member{}, fmt.Errorf("registry: decode member %d: %w", id, errDecode)
	}

	member.Token = security.NewToken()
	ok, errApply := r.store.Atomic(ctx,
		[]kv.Check{{Key: entry.Key, Version: entry.Version}},
		[]kv.Mutation{kv.Put(entry.Key, mustMarshal(member))})
	if errApply != nil {
		return models.Member{}, errApply
	}
	if !ok {
		return models.Member{}, kv.ErrConflict
	}
	return member, nil
}

// FindMemberByToken scans all members for a matching credential.
func (r *Registry) FindMemberByToken(ctx context.Context, token string) (models.Member, bool, error) {
	if token == "" {
		return models.Member{}, false, nil
	}
	members, errList := r.ListMembers(ctx)
	if errList != nil {
		return models.Member{}, false, errList
	}
	for _, member := range members {
		if member.Token == token {
			return member, true, nil
		}
	}
	return models.Member{}, false, nil
}

// AddKey allocates the next key id and stores the upstream key, mirroring
// AddMember against the key counter.
func (r *Registry) AddKey(ctx context.Context, name, secret string) (models.UpstreamKey, error) {
	countersEntry, counters, errLoad := r.loadCounters(ctx)
	if errLoad != nil {
		return models.UpstreamKey{}, errLoad
	}

	upstream := models.UpstreamKey{
		ID:   counters.KeySeq + 1,
		Name: name,
		Key:  secret,
	}
	counters.KeySeq = upstream.ID

	ok, errApply := r.store.Atomic(ctx,
		[]kv.Check{{Key: countersKey, Version: countersEntry.Version}},
		[]kv.Mutation{
			kv.Put(keyKey(upstream.ID), mustMarshal(upstream)),
			kv.Put(countersKey, mustMarshal(counters)),
		})
	if errApply != nil {
		return models.UpstreamKey{}, errApply
	}
	if !ok {
		return models.UpstreamKey{}, kv.ErrConflict
	}
	return upstream, nil
}

// ListKeys returns all upstream keys sorted by id.
func (r *Registry) ListKeys(ctx context.Context) ([]models.UpstreamKey, error) {
	entries, errList := r.store.List(ctx, keyPrefix)
	if errList != nil {
		return nil, errList
	}
	keys := make([]models.UpstreamKey, 0, len(entries))
	for _, entry := range entries {
		var upstream models.UpstreamKey
		if errDecode := json.Unmarshal(entry.Value, &upstream); errDecode != nil {
			return nil, fmt.Errorf("registry: decode key %s: %w", entry.Key, errDecode)
		}
		keys = append(keys, upstream)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })
	return keys, nil
}

// DeleteKey removes an upstream key unconditionally.
func (r *Registry) DeleteKey(ctx context.Context, id int) error {
	return r.store.Delete(ctx, keyKey(id))
}

// Counters returns the current id allocation record.
func (r *Registry) Counters(ctx context.Context) (models.Counters, error) {
	_, counters, errLoad := r.loadCounters(ctx)
	return counters, errLoad
}

func (r *Registry) loadCounters(ctx context.Context) (kv.Entry, models.Counters, error) {
	entry, errGet := r.store.Get(ctx, countersKey)
	if errGet != nil {
		return kv.Entry{}, models.Counters{}, errGet
	}
	if !entry.Exists() {
		return kv.Entry{}, models.Counters{}, ErrNotInitialized
	}
	var counters models.Counters
	if errDecode := json.Unmarshal(entry.Value, &counters); errDecode != nil {
		return kv.Entry{}, models.Counters{}, fmt.Errorf("registry: decode counters: %w", errDecode)
	}
	return entry, counters, nil
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
