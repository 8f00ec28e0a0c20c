package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-directory-go/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-directory-go/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-directory-go/pkg/cache"
	"github.com/ovaphlow/pitchfork/service-directory-go/pkg/database"
)

// plainHasher keeps tests fast and makes stored hashes predictable.
type plainHasher struct{}

func (plainHasher) Hash(pw string) (string, error) { return "hashed:" + pw, nil }
func (plainHasher) Verify(hash, pw string) bool    { return hash == "hashed:"+pw }

// recordingCache logs every call made against the wrapped store.
type recordingCache struct {
	cache.Store
	mu  sync.Mutex
	ops []string
}

func (c *recordingCache) record(op string) {
	c.mu.Lock()
	c.ops = append(c.ops, op)
	c.mu.Unlock()
}

func (c *recordingCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.record("get " + key)
	return c.Store.Get(ctx, key)
}

func (c *recordingCache) Set(ctx context.Context, key, value string) error {
	c.record("set " + key)
	return c.Store.Set(ctx, key, value)
}

func (c *recordingCache) Delete(ctx context.Context, key string) error {
	c.record("del " + key)
	return c.Store.Delete(ctx, key)
}

// writes returns the recorded set/del calls.
func (c *recordingCache) writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, op := range c.ops {
		if !strings.HasPrefix(op, "get ") {
			out = append(out, op)
		}
	}
	return out
}

func (c *recordingCache) reset() {
	c.mu.Lock()
	c.ops = nil
	c.mu.Unlock()
}

// raw reads a key straight from the backing store.
func (c *recordingCache) raw(t *testing.T, key string) (string, bool) {
	t.Helper()
	v, ok, err := c.Store.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("raw get %s: %v", key, err)
	}
	return v, ok
}

type fixture struct {
	svc   *UserService
	repo  *userrepo.UserRepo
	cache *recordingCache
	db    *sqlx.DB
}

func setupService(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Connect(database.Config{Driver: database.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("connect sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	var mu sync.Mutex
	seq := 0
	repo := userrepo.NewUserRepo(db, func() string {
		mu.Lock()
		defer mu.Unlock()
		seq++
		return fmt.Sprintf("u%d", seq)
	})
	if err := repo.EnsureTable(context.Background()); err != nil {
		t.Fatalf("EnsureTable() error = %v", err)
	}
	c := &recordingCache{Store: cache.NewMemoryStore(time.Minute)}
	return &fixture{
		svc:   NewUserService(repo, c, plainHasher{}, nil),
		repo:  repo,
		cache: c,
		db:    db,
	}
}

func (f *fixture) rowCount(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.db.Get(&n, "SELECT COUNT(*) FROM users"); err != nil {
		t.Fatalf("count users: %v", err)
	}
	return n
}

// seedRow writes straight to the store, bypassing service and cache.
func (f *fixture) seedRow(t *testing.T, name, email string) *entity.PublicUser {
	t.Helper()
	u, err := f.repo.Create(context.Background(), &entity.User{Name: name, Email: email, PasswordHash: "hashed:x"})
	if err != nil {
		t.Fatalf("seed row: %v", err)
	}
	return u
}

func (f *fixture) cachedList(t *testing.T) ([]entity.PublicUser, bool) {
	t.Helper()
	raw, ok := f.cache.raw(t, allUsersKey)
	if !ok {
		return nil, false
	}
	users, err := decodeUserList(raw)
	if err != nil {
		t.Fatalf("decode all_users: %v", err)
	}
	return users, true
}

func samePublic(a, b entity.PublicUser) bool {
	return a.ID == b.ID && a.Name == b.Name && a.Email == b.Email &&
		a.CreatedAt.Equal(b.CreatedAt) && a.UpdatedAt.Equal(b.UpdatedAt)
}

func ids(users []entity.PublicUser) string {
	var out []string
	for _, u := range users {
		out = append(out, u.ID)
	}
	return strings.Join(out, ",")
}

func TestCreateThenFindOneRoundTrip(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, "Jessica", "jessica@example.com", "teste123")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// remove the row behind the service's back; reads must come from cache
	if _, err := f.db.Exec("DELETE FROM users"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		got, err := f.svc.FindOne(ctx, created.ID)
		if err != nil {
			t.Fatalf("FindOne() error = %v", err)
		}
		if got == nil || !samePublic(*got, *created) {
			t.Fatalf("FindOne() #%d = %+v, want %+v", i, got, created)
		}
	}
}

func TestCreateStoresHashAndNeverCachesIt(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	created, err := f.svc.Create(ctx, "Jessica", "jessica@example.com", "teste123")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	row, err := f.repo.GetByID(ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if row.PasswordHash != "hashed:teste123" {
		t.Errorf("stored hash = %q", row.PasswordHash)
	}
	for _, key := range []string{userKey(created.ID), allUsersKey} {
		raw, ok := f.cache.raw(t, key)
		if !ok {
			t.Fatalf("%s not cached", key)
		}
		if strings.Contains(raw, "hashed:") || strings.Contains(raw, "password") {
			t.Errorf("%s leaks the credential: %s", key, raw)
		}
	}
}

func TestCreateDuplicateEmailRegardlessOfCache(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, "A", "a@x.com", "p"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Create(ctx, "B", "a@x.com", "p"); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("Create() with cached state error = %v, want ErrDuplicateEmail", err)
	}

	f.cache.Store = cache.NewMemoryStore(time.Minute)
	if _, err := f.svc.Create(ctx, "B", "a@x.com", "p"); !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("Create() with cold cache error = %v, want ErrDuplicateEmail", err)
	}
	if n := f.rowCount(t); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

// store has {id:u1, email:a@x.com}, cache empty; creating another a@x.com
// must fail without touching store or cache.
func TestCreateDuplicateScenario(t *testing.T) {
	f := setupService(t)
	f.seedRow(t, "A", "a@x.com")

	_, err := f.svc.Create(context.Background(), "B", "a@x.com", "p")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("Create() error = %v, want ErrDuplicateEmail", err)
	}
	if n := f.rowCount(t); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
	if w := f.cache.writes(); len(w) != 0 {
		t.Errorf("cache writes = %v, want none", w)
	}
	if _, ok := f.cache.raw(t, allUsersKey); ok {
		t.Error("all_users should not exist")
	}
}

func TestCreateMapsUniqueViolationRace(t *testing.T) {
	f := setupService(t)
	f.svc.repo = raceRepo{UserRepo: f.repo}
	f.seedRow(t, "A", "a@x.com")

	_, err := f.svc.Create(context.Background(), "B", "a@x.com", "p")
	if !errors.Is(err, ErrDuplicateEmail) {
		t.Fatalf("Create() error = %v, want ErrDuplicateEmail", err)
	}
}

// raceRepo hides existing emails so the insert hits the unique index.
type raceRepo struct{ *userrepo.UserRepo }

func (raceRepo) GetByEmail(context.Context, string) (*entity.User, error) {
	return nil, sql.ErrNoRows
}

func TestFindOnePopulatesCacheOnMiss(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	seeded := f.seedRow(t, "A", "a@x.com")

	got, err := f.svc.FindOne(ctx, seeded.ID)
	if err != nil {
		t.Fatalf("FindOne() error = %v", err)
	}
	if got == nil || !samePublic(*got, *seeded) {
		t.Fatalf("FindOne() = %+v, want %+v", got, seeded)
	}
	raw, ok := f.cache.raw(t, userKey(seeded.ID))
	if !ok {
		t.Fatal("user entry not cached after miss")
	}
	cached, err := decodeUser(raw)
	if err != nil || cached == nil || !samePublic(*cached, *seeded) {
		t.Errorf("cached = %+v, %v", cached, err)
	}
}

func TestFindOneMissingIsNotCached(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := f.svc.FindOne(ctx, "ghost")
		if err != nil || got != nil {
			t.Fatalf("FindOne(ghost) = %+v, %v; want nil, nil", got, err)
		}
	}
	if w := f.cache.writes(); len(w) != 0 {
		t.Errorf("cache writes = %v, want none", w)
	}
}

func TestFindOneTreatsNullAndDriftAsMiss(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	seeded := f.seedRow(t, "A", "a@x.com")

	for _, stale := range []string{"null", `{"v":99,"user":{"id":"u1","name":"old"}}`} {
		_ = f.cache.Store.Set(ctx, userKey(seeded.ID), stale)
		got, err := f.svc.FindOne(ctx, seeded.ID)
		if err != nil {
			t.Fatalf("FindOne() with %s error = %v", stale, err)
		}
		if got == nil || got.Name != "A" {
			t.Fatalf("FindOne() with %s = %+v", stale, got)
		}
		raw, _ := f.cache.raw(t, userKey(seeded.ID))
		if raw == stale {
			t.Errorf("stale entry %s was not replaced", stale)
		}
	}
}

func TestFindOneCorruptEntryFails(t *testing.T) {
	f := setupService(t)
	_ = f.cache.Store.Set(context.Background(), userKey("u1"), "{not json")
	if _, err := f.svc.FindOne(context.Background(), "u1"); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestFindAllFillsOnMissAndServesCacheVerbatim(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	a := f.seedRow(t, "A", "a@x.com")
	b := f.seedRow(t, "B", "b@x.com")

	users, err := f.svc.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll() error = %v", err)
	}
	if ids(users) != a.ID+","+b.ID {
		t.Fatalf("FindAll() = %s", ids(users))
	}

	// a row the service never saw stays invisible until the list expires
	f.seedRow(t, "C", "c@x.com")
	users, err = f.svc.FindAll(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if ids(users) != a.ID+","+b.ID {
		t.Errorf("cached FindAll() = %s, want the earlier snapshot", ids(users))
	}
}

func TestFindAllEmptyStoreCachesEmptyList(t *testing.T) {
	f := setupService(t)
	users, err := f.svc.FindAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if users == nil || len(users) != 0 {
		t.Fatalf("FindAll() = %#v, want empty list", users)
	}
	list, ok := f.cachedList(t)
	if !ok || list == nil || len(list) != 0 {
		t.Errorf("cached list = %#v, %v", list, ok)
	}
}

func TestFindAllNullMarkerIsMiss(t *testing.T) {
	f := setupService(t)
	a := f.seedRow(t, "A", "a@x.com")
	_ = f.cache.Store.Set(context.Background(), allUsersKey, "null")

	users, err := f.svc.FindAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ids(users) != a.ID {
		t.Errorf("FindAll() = %s, want %s", ids(users), a.ID)
	}
}

func TestCreateSeedsListWithoutBackfill(t *testing.T) {
	f := setupService(t)
	f.seedRow(t, "Old", "old@x.com")

	created, err := f.svc.Create(context.Background(), "New", "new@x.com", "p")
	if err != nil {
		t.Fatal(err)
	}
	list, ok := f.cachedList(t)
	if !ok {
		t.Fatal("all_users not seeded")
	}
	if len(list) != 1 || !samePublic(list[0], *created) {
		t.Errorf("all_users = %s, want only %s", ids(list), created.ID)
	}
}

func TestCreateAppendsToCachedList(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	a := f.seedRow(t, "A", "a@x.com")
	if _, err := f.svc.FindAll(ctx); err != nil {
		t.Fatal(err)
	}

	b, err := f.svc.Create(ctx, "B", "b@x.com", "p")
	if err != nil {
		t.Fatal(err)
	}
	list, _ := f.cachedList(t)
	if ids(list) != a.ID+","+b.ID {
		t.Errorf("all_users = %s", ids(list))
	}
}

func TestCreateOnNullListStartsFresh(t *testing.T) {
	f := setupService(t)
	_ = f.cache.Store.Set(context.Background(), allUsersKey, "null")

	created, err := f.svc.Create(context.Background(), "A", "a@x.com", "p")
	if err != nil {
		t.Fatal(err)
	}
	list, _ := f.cachedList(t)
	if ids(list) != created.ID {
		t.Errorf("all_users = %s, want %s", ids(list), created.ID)
	}
}

func TestCreateReplacesDriftedList(t *testing.T) {
	f := setupService(t)
	_ = f.cache.Store.Set(context.Background(), allUsersKey, `{"v":0,"users":[{"id":"zz"}]}`)

	created, err := f.svc.Create(context.Background(), "A", "a@x.com", "p")
	if err != nil {
		t.Fatal(err)
	}
	list, _ := f.cachedList(t)
	if ids(list) != created.ID {
		t.Errorf("all_users = %s, want %s", ids(list), created.ID)
	}
}

func TestUpdateReplacesInPlace(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	a, _ := f.svc.Create(ctx, "A", "a@x.com", "p")
	b, _ := f.svc.Create(ctx, "B", "b@x.com", "p")
	if list, _ := f.cachedList(t); ids(list) != a.ID+","+b.ID {
		t.Fatalf("precondition all_users = %s", ids(list))
	}

	b2, err := f.svc.Update(ctx, b.ID, "B2", "b2@x.com", "p2")
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if b2.Name != "B2" || b2.Email != "b2@x.com" {
		t.Errorf("Update() = %+v", b2)
	}
	list, _ := f.cachedList(t)
	if len(list) != 2 || !samePublic(list[0], *a) || !samePublic(list[1], *b2) {
		t.Errorf("all_users = %+v, want [A, B']", list)
	}
	raw, _ := f.cache.raw(t, userKey(b.ID))
	cached, _ := decodeUser(raw)
	if cached == nil || !samePublic(*cached, *b2) {
		t.Errorf("user entry = %+v, want %+v", cached, b2)
	}
	row, _ := f.repo.GetByID(ctx, b.ID)
	if row.PasswordHash != "hashed:p2" {
		t.Errorf("stored hash = %q", row.PasswordHash)
	}
}

func TestUpdateSeedsUncachedList(t *testing.T) {
	f := setupService(t)
	f.seedRow(t, "A", "a@x.com")
	b := f.seedRow(t, "B", "b@x.com")

	b2, err := f.svc.Update(context.Background(), b.ID, "B2", "b@x.com", "p")
	if err != nil {
		t.Fatal(err)
	}
	list, ok := f.cachedList(t)
	if !ok || len(list) != 1 || !samePublic(list[0], *b2) {
		t.Errorf("all_users = %+v, want only B'", list)
	}
}

func TestUpdateOnNullListStoresEmpty(t *testing.T) {
	f := setupService(t)
	a := f.seedRow(t, "A", "a@x.com")
	_ = f.cache.Store.Set(context.Background(), allUsersKey, "null")

	if _, err := f.svc.Update(context.Background(), a.ID, "A2", "a@x.com", "p"); err != nil {
		t.Fatal(err)
	}
	list, ok := f.cachedList(t)
	if !ok || list == nil || len(list) != 0 {
		t.Errorf("all_users = %#v, want empty list", list)
	}
}

func TestUpdateRehashesUnchangedPassword(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	calls := 0
	f.svc.hasher = countingHasher{n: &calls}

	a, _ := f.svc.Create(ctx, "A", "a@x.com", "same")
	if _, err := f.svc.Update(ctx, a.ID, "A", "a@x.com", "same"); err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("hash calls = %d, want 2", calls)
	}
}

type countingHasher struct{ n *int }

func (h countingHasher) Hash(pw string) (string, error) { *h.n++; return "hashed:" + pw, nil }
func (countingHasher) Verify(string, string) bool      { return false }

func TestUpdateEmailConflicts(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	a, _ := f.svc.Create(ctx, "A", "a@x.com", "p")
	f.svc.Create(ctx, "B", "b@x.com", "p")

	if _, err := f.svc.Update(ctx, a.ID, "A", "a@x.com", "p"); err != nil {
		t.Errorf("Update() keeping own email error = %v", err)
	}
	f.cache.reset()
	if _, err := f.svc.Update(ctx, a.ID, "A", "b@x.com", "p"); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("Update() to taken email error = %v, want ErrDuplicateEmail", err)
	}
	if w := f.cache.writes(); len(w) != 0 {
		t.Errorf("cache writes = %v, want none", w)
	}
}

func TestNotFoundMutatesNothing(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	f.seedRow(t, "A", "a@x.com")
	_ = f.cache.Store.Set(ctx, allUsersKey, `{"v":1,"users":[]}`)
	f.cache.reset()

	if _, err := f.svc.Update(ctx, "ghost", "X", "x@x.com", "p"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Update() error = %v, want ErrUserNotFound", err)
	}
	if err := f.svc.Remove(ctx, "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Remove() error = %v, want ErrUserNotFound", err)
	}
	if n := f.rowCount(t); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
	if w := f.cache.writes(); len(w) != 0 {
		t.Errorf("cache writes = %v, want none", w)
	}
}

func TestRemoveWithoutCachedList(t *testing.T) {
	f := setupService(t)
	a := f.seedRow(t, "A", "a@x.com")

	if err := f.svc.Remove(context.Background(), a.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, ok := f.cache.raw(t, allUsersKey); ok {
		t.Error("Remove() created all_users")
	}
	w := f.cache.writes()
	if len(w) != 1 || w[0] != "del "+userKey(a.ID) {
		t.Errorf("cache writes = %v, want [del %s]", w, userKey(a.ID))
	}
	if n := f.rowCount(t); n != 0 {
		t.Errorf("rows = %d, want 0", n)
	}
}

func TestRemoveFiltersCachedList(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	a, _ := f.svc.Create(ctx, "A", "a@x.com", "p")
	b, _ := f.svc.Create(ctx, "B", "b@x.com", "p")
	c, _ := f.svc.Create(ctx, "C", "c@x.com", "p")

	if err := f.svc.Remove(ctx, b.ID); err != nil {
		t.Fatal(err)
	}
	list, _ := f.cachedList(t)
	if ids(list) != a.ID+","+c.ID {
		t.Errorf("all_users = %s", ids(list))
	}
	if _, ok := f.cache.raw(t, userKey(b.ID)); ok {
		t.Error("user entry survived Remove")
	}
	if got, _ := f.svc.FindOne(ctx, b.ID); got != nil {
		t.Errorf("FindOne() after Remove = %+v", got)
	}
}

func TestCacheFailurePropagates(t *testing.T) {
	f := setupService(t)
	boom := errors.New("cache down")
	f.svc.cache = failingCache{err: boom}

	_, err := f.svc.Create(context.Background(), "A", "a@x.com", "p")
	if !errors.Is(err, boom) {
		t.Fatalf("Create() error = %v, want %v", err, boom)
	}
	// the store write is not rolled back
	if n := f.rowCount(t); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
	if _, err := f.svc.FindAll(context.Background()); !errors.Is(err, boom) {
		t.Errorf("FindAll() error = %v, want %v", err, boom)
	}
}

type failingCache struct{ err error }

func (c failingCache) Get(context.Context, string) (string, bool, error) { return "", false, c.err }
func (c failingCache) Set(context.Context, string, string) error         { return c.err }
func (c failingCache) Delete(context.Context, string) error              { return c.err }
func (c failingCache) Close() error                                      { return nil }

func TestConcurrentCreatesKeepEveryUserInList(t *testing.T) {
	f := setupService(t)
	ctx := context.Background()
	if _, err := f.svc.FindAll(ctx); err != nil {
		t.Fatal(err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := f.svc.Create(ctx, "U", fmt.Sprintf("u%d@x.com", i), "p"); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Create() error = %v", err)
	}

	list, _ := f.cachedList(t)
	if len(list) != n {
		t.Errorf("all_users has %d entries, want %d", len(list), n)
	}
}
