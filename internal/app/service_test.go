package app

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"teamhub/api/internal/auth"
	"teamhub/api/internal/authpw"
	"teamhub/api/internal/config"
	"teamhub/api/internal/store"
	"teamhub/api/internal/util"
)

// fakeStore satisfies both the data store and refresh session interfaces.
// Unset function fields fall back to empty results so each test only wires
// the calls it cares about. Every call is recorded in calls.
type fakeStore struct {
	calls []string

	createUserFn               func(context.Context, store.User) error
	getUserByEmailFn           func(context.Context, string) (store.User, error)
	getUserByIDFn              func(context.Context, string) (store.User, error)
	createWorkspaceWithAdminFn func(context.Context, store.Workspace, store.Member) error
	getWorkspaceFn             func(context.Context, string) (store.Workspace, error)
	listWorkspacesByIDsFn      func(context.Context, []string) ([]store.Workspace, error)
	updateWorkspaceFn          func(context.Context, string, string, string) error
	deleteWorkspaceFn          func(context.Context, string) error
	getMemberFn                func(context.Context, string, string) (store.Member, error)
	getMemberByIDFn            func(context.Context, string) (store.Member, error)
	listMembershipsByUserFn    func(context.Context, string) ([]store.Member, error)
	listMembersFn              func(context.Context, string) ([]store.MemberWithUser, error)
	updateMemberRoleFn         func(context.Context, string, string) error
	deleteMemberFn             func(context.Context, string) error
	countAdminsFn              func(context.Context, string) (int, error)
	insertProjectFn            func(context.Context, store.Project) error
	getProjectFn               func(context.Context, string) (store.Project, error)
	listProjectsByWorkspaceFn  func(context.Context, string) ([]store.Project, error)
	updateProjectFn            func(context.Context, string, string, string) error
	deleteProjectFn            func(context.Context, string) error
}

func (f *fakeStore) record(name string) {
	f.calls = append(f.calls, name)
}

func (f *fakeStore) CreateUser(ctx context.Context, user store.User) error {
	f.record("CreateUser")
	if f.createUserFn != nil {
		return f.createUserFn(ctx, user)
	}
	return nil
}

func (f *fakeStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	f.record("GetUserByEmail")
	if f.getUserByEmailFn != nil {
		return f.getUserByEmailFn(ctx, email)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	f.record("GetUserByID")
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeAccessToken(context.Context, string, time.Time) error {
	f.record("RevokeAccessToken")
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(context.Context, string) (bool, error) {
	f.record("IsAccessTokenRevoked")
	return false, nil
}

func (f *fakeStore) SaveRefreshSession(context.Context, string, store.User, time.Time) error {
	f.record("SaveRefreshSession")
	return nil
}

func (f *fakeStore) LookupRefreshSession(context.Context, string) (store.User, error) {
	f.record("LookupRefreshSession")
	return store.User{}, sql.ErrNoRows
}

func (f *fakeStore) RevokeRefreshSession(context.Context, string) error {
	f.record("RevokeRefreshSession")
	return nil
}

func (f *fakeStore) CreateWorkspaceWithAdmin(ctx context.Context, workspace store.Workspace, member store.Member) error {
	f.record("CreateWorkspaceWithAdmin")
	if f.createWorkspaceWithAdminFn != nil {
		return f.createWorkspaceWithAdminFn(ctx, workspace, member)
	}
	return nil
}

func (f *fakeStore) GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error) {
	f.record("GetWorkspace")
	if f.getWorkspaceFn != nil {
		return f.getWorkspaceFn(ctx, workspaceID)
	}
	return store.Workspace{}, sql.ErrNoRows
}

func (f *fakeStore) ListWorkspacesByIDs(ctx context.Context, workspaceIDs []string) ([]store.Workspace, error) {
	f.record("ListWorkspacesByIDs")
	if f.listWorkspacesByIDsFn != nil {
		return f.listWorkspacesByIDsFn(ctx, workspaceIDs)
	}
	return nil, nil
}

func (f *fakeStore) UpdateWorkspace(ctx context.Context, workspaceID, name, imageURL string) error {
	f.record("UpdateWorkspace")
	if f.updateWorkspaceFn != nil {
		return f.updateWorkspaceFn(ctx, workspaceID, name, imageURL)
	}
	return nil
}

func (f *fakeStore) DeleteWorkspace(ctx context.Context, workspaceID string) error {
	f.record("DeleteWorkspace")
	if f.deleteWorkspaceFn != nil {
		return f.deleteWorkspaceFn(ctx, workspaceID)
	}
	return nil
}

func (f *fakeStore) GetMember(ctx context.Context, workspaceID, userID string) (store.Member, error) {
	f.record("GetMember")
	if f.getMemberFn != nil {
		return f.getMemberFn(ctx, workspaceID, userID)
	}
	return store.Member{}, sql.ErrNoRows
}

func (f *fakeStore) GetMemberByID(ctx context.Context, memberID string) (store.Member, error) {
	f.record("GetMemberByID")
	if f.getMemberByIDFn != nil {
		return f.getMemberByIDFn(ctx, memberID)
	}
	return store.Member{}, sql.ErrNoRows
}

func (f *fakeStore) ListMembershipsByUser(ctx context.Context, userID string) ([]store.Member, error) {
	f.record("ListMembershipsByUser")
	if f.listMembershipsByUserFn != nil {
		return f.listMembershipsByUserFn(ctx, userID)
	}
	return nil, nil
}

func (f *fakeStore) ListMembers(ctx context.Context, workspaceID string) ([]store.MemberWithUser, error) {
	f.record("ListMembers")
	if f.listMembersFn != nil {
		return f.listMembersFn(ctx, workspaceID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateMemberRole(ctx context.Context, memberID, role string) error {
	f.record("UpdateMemberRole")
	if f.updateMemberRoleFn != nil {
		return f.updateMemberRoleFn(ctx, memberID, role)
	}
	return nil
}

func (f *fakeStore) DeleteMember(ctx context.Context, memberID string) error {
	f.record("DeleteMember")
	if f.deleteMemberFn != nil {
		return f.deleteMemberFn(ctx, memberID)
	}
	return nil
}

func (f *fakeStore) CountAdmins(ctx context.Context, workspaceID string) (int, error) {
	f.record("CountAdmins")
	if f.countAdminsFn != nil {
		return f.countAdminsFn(ctx, workspaceID)
	}
	return 0, nil
}

func (f *fakeStore) InsertProject(ctx context.Context, item store.Project) error {
	f.record("InsertProject")
	if f.insertProjectFn != nil {
		return f.insertProjectFn(ctx, item)
	}
	return nil
}

func (f *fakeStore) GetProject(ctx context.Context, projectID string) (store.Project, error) {
	f.record("GetProject")
	if f.getProjectFn != nil {
		return f.getProjectFn(ctx, projectID)
	}
	return store.Project{}, sql.ErrNoRows
}

func (f *fakeStore) ListProjectsByWorkspace(ctx context.Context, workspaceID string) ([]store.Project, error) {
	f.record("ListProjectsByWorkspace")
	if f.listProjectsByWorkspaceFn != nil {
		return f.listProjectsByWorkspaceFn(ctx, workspaceID)
	}
	return nil, nil
}

func (f *fakeStore) UpdateProject(ctx context.Context, projectID, name, imageURL string) error {
	f.record("UpdateProject")
	if f.updateProjectFn != nil {
		return f.updateProjectFn(ctx, projectID, name, imageURL)
	}
	return nil
}

func (f *fakeStore) DeleteProject(ctx context.Context, projectID string) error {
	f.record("DeleteProject")
	if f.deleteProjectFn != nil {
		return f.deleteProjectFn(ctx, projectID)
	}
	return nil
}

func (f *fakeStore) Ping(context.Context) error { return nil }

func (f *fakeStore) called(name string) bool {
	for _, call := range f.calls {
		if call == name {
			return true
		}
	}
	return false
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:       "test-secret",
		AccessTTL:       time.Hour,
		RefreshTTL:      24 * time.Hour,
		UpstreamTimeout: 2 * time.Second,
	}
}

func newTestService(fs *fakeStore) *Service {
	return &Service{
		cfg:      testConfig(),
		store:    fs,
		sessions: fs,
		accounts: authpw.NewService(fs),
	}
}

// sessionFor builds a logged-in session for a user the fake store knows
// about, bypassing the password flow.
func sessionFor(t *testing.T, svc *Service, user store.User) Session {
	t.Helper()
	session, err := svc.issueSession(context.Background(), user)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return session
}

func memberOf(workspaceID string, user store.User, role string) func(context.Context, string, string) (store.Member, error) {
	return func(_ context.Context, wsID, userID string) (store.Member, error) {
		if wsID == workspaceID && userID == user.ID {
			return store.Member{
				ID:          "mem_" + user.ID,
				UserID:      user.ID,
				WorkspaceID: workspaceID,
				Role:        role,
			}, nil
		}
		return store.Member{}, sql.ErrNoRows
	}
}

func TestCreateWorkspaceProvisionsAdminMembership(t *testing.T) {
	var gotWorkspace store.Workspace
	var gotMember store.Member
	fs := &fakeStore{
		createWorkspaceWithAdminFn: func(_ context.Context, workspace store.Workspace, member store.Member) error {
			gotWorkspace = workspace
			gotMember = member
			return nil
		},
	}
	svc := newTestService(fs)
	session := sessionFor(t, svc, store.User{ID: "usr_1", DisplayName: "Avery", Email: "avery@example.com"})

	payload, err := svc.CreateWorkspace(context.Background(), session, "  Design Team  ", nil)
	if err != nil {
		t.Fatalf("create workspace: %v", err)
	}

	if gotWorkspace.Name != "Design Team" {
		t.Fatalf("expected trimmed name, got %q", gotWorkspace.Name)
	}
	if gotWorkspace.UserID != "usr_1" {
		t.Fatalf("expected creator usr_1, got %q", gotWorkspace.UserID)
	}
	if len(gotWorkspace.InviteCode) != util.InviteCodeLength {
		t.Fatalf("expected %d-char invite code, got %q", util.InviteCodeLength, gotWorkspace.InviteCode)
	}
	if gotMember.WorkspaceID != gotWorkspace.ID {
		t.Fatalf("member belongs to %q, workspace is %q", gotMember.WorkspaceID, gotWorkspace.ID)
	}
	if gotMember.UserID != "usr_1" || gotMember.Role != "ADMIN" {
		t.Fatalf("expected creator as ADMIN member, got %+v", gotMember)
	}

	data, _ := payload["data"].(map[string]any)
	if data["inviteCode"] != gotWorkspace.InviteCode {
		t.Fatalf("response invite code %v does not match stored %q", data["inviteCode"], gotWorkspace.InviteCode)
	}
}

func TestCreateWorkspaceRejectsBadNames(t *testing.T) {
	svc := newTestService(&fakeStore{})
	session := sessionFor(t, svc, store.User{ID: "usr_1"})

	cases := []struct {
		label string
		name  string
	}{
		{"empty", ""},
		{"whitespace", "   "},
		{"too long", longName(257)},
	}
	for _, tc := range cases {
		t.Run(tc.label, func(t *testing.T) {
			_, err := svc.CreateWorkspace(context.Background(), session, tc.name, nil)
			var domainErr *DomainError
			if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
				t.Fatalf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestCreateWorkspaceRejectsOversizedImage(t *testing.T) {
	svc := newTestService(&fakeStore{})
	session := sessionFor(t, svc, store.User{ID: "usr_1"})

	image := &ImageUpload{ContentType: "image/png", Data: make([]byte, maxImageBytes+1)}
	_, err := svc.CreateWorkspace(context.Background(), session, "Team", image)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestListWorkspacesSkipsLookupWhenNoMemberships(t *testing.T) {
	fs := &fakeStore{
		listMembershipsByUserFn: func(context.Context, string) ([]store.Member, error) {
			return nil, nil
		},
	}
	svc := newTestService(fs)
	session := sessionFor(t, svc, store.User{ID: "usr_1"})

	payload, err := svc.ListWorkspaces(context.Background(), session)
	if err != nil {
		t.Fatalf("list workspaces: %v", err)
	}
	data, _ := payload["data"].(map[string]any)
	if data["total"] != 0 {
		t.Fatalf("expected total 0, got %v", data["total"])
	}
	if fs.called("ListWorkspacesByIDs") {
		t.Fatalf("expected no workspace lookup for a user with no memberships")
	}
}

func TestUpdateMemberRoleBlocksDemotingLastAdmin(t *testing.T) {
	admin := store.User{ID: "usr_admin"}
	fs := &fakeStore{
		getMemberByIDFn: func(context.Context, string) (store.Member, error) {
			return store.Member{ID: "mem_1", UserID: "usr_admin", WorkspaceID: "ws_1", Role: "ADMIN"}, nil
		},
		countAdminsFn: func(context.Context, string) (int, error) { return 1, nil },
	}
	fs.getMemberFn = memberOf("ws_1", admin, "ADMIN")
	svc := newTestService(fs)
	session := sessionFor(t, svc, admin)

	_, err := svc.UpdateMemberRole(context.Background(), session, "mem_1", "MEMBER")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "LAST_ADMIN" {
		t.Fatalf("expected LAST_ADMIN, got %v", err)
	}
	if fs.called("UpdateMemberRole") {
		t.Fatalf("role update must not reach the store when the guard trips")
	}
}

func TestUpdateMemberRoleRejectsUnknownRole(t *testing.T) {
	svc := newTestService(&fakeStore{})
	session := sessionFor(t, svc, store.User{ID: "usr_1"})

	_, err := svc.UpdateMemberRole(context.Background(), session, "mem_1", "OWNER")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestRemoveMemberAllowsLeavingAsNonAdmin(t *testing.T) {
	user := store.User{ID: "usr_2"}
	fs := &fakeStore{
		getMemberByIDFn: func(context.Context, string) (store.Member, error) {
			return store.Member{ID: "mem_2", UserID: "usr_2", WorkspaceID: "ws_1", Role: "MEMBER"}, nil
		},
	}
	fs.getMemberFn = memberOf("ws_1", user, "MEMBER")
	svc := newTestService(fs)
	session := sessionFor(t, svc, user)

	if err := svc.RemoveMember(context.Background(), session, "mem_2"); err != nil {
		t.Fatalf("expected self-removal to succeed, got %v", err)
	}
	if !fs.called("DeleteMember") {
		t.Fatalf("expected DeleteMember to be called")
	}
}

func TestRemoveMemberBlocksLastAdmin(t *testing.T) {
	admin := store.User{ID: "usr_admin"}
	fs := &fakeStore{
		getMemberByIDFn: func(context.Context, string) (store.Member, error) {
			return store.Member{ID: "mem_1", UserID: "usr_admin", WorkspaceID: "ws_1", Role: "ADMIN"}, nil
		},
		countAdminsFn: func(context.Context, string) (int, error) { return 1, nil },
	}
	fs.getMemberFn = memberOf("ws_1", admin, "ADMIN")
	svc := newTestService(fs)
	session := sessionFor(t, svc, admin)

	err := svc.RemoveMember(context.Background(), session, "mem_1")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "LAST_ADMIN" {
		t.Fatalf("expected LAST_ADMIN, got %v", err)
	}
}

func TestRemoveMemberRequiresAdminForOthers(t *testing.T) {
	plain := store.User{ID: "usr_2"}
	fs := &fakeStore{
		getMemberByIDFn: func(context.Context, string) (store.Member, error) {
			return store.Member{ID: "mem_3", UserID: "usr_3", WorkspaceID: "ws_1", Role: "MEMBER"}, nil
		},
	}
	fs.getMemberFn = memberOf("ws_1", plain, "MEMBER")
	svc := newTestService(fs)
	session := sessionFor(t, svc, plain)

	err := svc.RemoveMember(context.Background(), session, "mem_3")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "FORBIDDEN" {
		t.Fatalf("expected FORBIDDEN, got %v", err)
	}
	if fs.called("DeleteMember") {
		t.Fatalf("member removal must not reach the store")
	}
}

func TestValidationRejectsBeforeAnyStoreCall(t *testing.T) {
	session := Session{UserID: "usr_1"}

	cases := []struct {
		label string
		op    func(*Service) error
	}{
		{"create workspace", func(svc *Service) error {
			_, err := svc.CreateWorkspace(context.Background(), session, "", nil)
			return err
		}},
		{"update workspace", func(svc *Service) error {
			_, err := svc.UpdateWorkspace(context.Background(), session, "ws_1", longName(300), nil)
			return err
		}},
		{"create project", func(svc *Service) error {
			_, err := svc.CreateProject(context.Background(), session, "ws_1", "  ", nil)
			return err
		}},
		{"update project", func(svc *Service) error {
			image := &ImageUpload{ContentType: "image/tiff", Data: []byte("x")}
			_, err := svc.UpdateProject(context.Background(), session, "prj_1", "Roadmap", image)
			return err
		}},
	}
	for _, tc := range cases {
		t.Run(tc.label, func(t *testing.T) {
			fs := &fakeStore{}
			err := tc.op(newTestService(fs))
			var domainErr *DomainError
			if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
				t.Fatalf("expected VALIDATION_ERROR, got %v", err)
			}
			if len(fs.calls) != 0 {
				t.Fatalf("store calls made before validation rejected the input: %v", fs.calls)
			}
		})
	}
}

func TestResolveMemberIsIdempotent(t *testing.T) {
	user := store.User{ID: "usr_1"}
	fs := &fakeStore{}
	fs.getMemberFn = memberOf("ws_1", user, "MEMBER")
	svc := newTestService(fs)

	first, err := svc.ResolveMember(context.Background(), "ws_1", "usr_1")
	if err != nil {
		t.Fatalf("resolve member: %v", err)
	}
	second, err := svc.ResolveMember(context.Background(), "ws_1", "usr_1")
	if err != nil {
		t.Fatalf("resolve member again: %v", err)
	}
	if first != second {
		t.Fatalf("expected identical results, got %+v and %+v", first, second)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	fs := &fakeStore{}
	lookedUp := false
	svc := newTestService(fs)

	// A fake session store that recognizes one refresh token hash.
	svc.sessions = &stubSessions{
		lookup: func(tokenHash string) (store.User, error) {
			lookedUp = true
			if tokenHash == auth.HashToken("good-token") {
				return store.User{ID: "usr_1", DisplayName: "Avery"}, nil
			}
			return store.User{}, sql.ErrNoRows
		},
	}

	session, err := svc.Refresh(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !lookedUp {
		t.Fatalf("expected lookup")
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatalf("expected a new token pair")
	}
	if session.RefreshToken == "good-token" {
		t.Fatalf("refresh token must rotate")
	}

	if _, err := svc.Refresh(context.Background(), "stale-token"); err == nil {
		t.Fatalf("expected stale token to be rejected")
	}
}

func TestPingChecksExternalSessionStore(t *testing.T) {
	svc := newTestService(&fakeStore{})
	if err := svc.Ping(context.Background()); err != nil {
		t.Fatalf("expected ping to pass with healthy stores, got %v", err)
	}

	svc.sessions = &deadSessions{}
	if err := svc.Ping(context.Background()); err == nil {
		t.Fatal("expected ping to surface a session store failure")
	}
}

// deadSessions is a session store whose health check always fails.
type deadSessions struct{ stubSessions }

func (d *deadSessions) Ping(context.Context) error {
	return errors.New("connection refused")
}

type stubSessions struct {
	lookup func(tokenHash string) (store.User, error)
}

func (s *stubSessions) SaveRefreshSession(context.Context, string, store.User, time.Time) error {
	return nil
}

func (s *stubSessions) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	return s.lookup(tokenHash)
}

func (s *stubSessions) RevokeRefreshSession(context.Context, string) error { return nil }

func longName(n int) string {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 'a'
	}
	return string(buf)
}
