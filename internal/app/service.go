package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"teamhub/api/internal/assets"
	"teamhub/api/internal/auth"
	"teamhub/api/internal/authpw"
	"teamhub/api/internal/config"
	"teamhub/api/internal/rbac"
	"teamhub/api/internal/search"
	"teamhub/api/internal/store"
	"teamhub/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Email        string
	JTI          string
	ExpiresAt    time.Time
}

// ImageUpload carries a decoded multipart image payload.
type ImageUpload struct {
	ContentType string
	Data        []byte
}

const (
	maxNameLength  = 256
	maxImageBytes  = 1 << 20
	defaultTimeout = 5 * time.Second
)

var allowedImageTypes = map[string]struct{}{
	"image/png":     {},
	"image/jpeg":    {},
	"image/svg+xml": {},
}

type dataStore interface {
	CreateUser(ctx context.Context, user store.User) error
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	CreateWorkspaceWithAdmin(ctx context.Context, workspace store.Workspace, member store.Member) error
	GetWorkspace(ctx context.Context, workspaceID string) (store.Workspace, error)
	ListWorkspacesByIDs(ctx context.Context, workspaceIDs []string) ([]store.Workspace, error)
	UpdateWorkspace(ctx context.Context, workspaceID, name, imageURL string) error
	DeleteWorkspace(ctx context.Context, workspaceID string) error
	GetMember(ctx context.Context, workspaceID, userID string) (store.Member, error)
	GetMemberByID(ctx context.Context, memberID string) (store.Member, error)
	ListMembershipsByUser(ctx context.Context, userID string) ([]store.Member, error)
	ListMembers(ctx context.Context, workspaceID string) ([]store.MemberWithUser, error)
	UpdateMemberRole(ctx context.Context, memberID, role string) error
	DeleteMember(ctx context.Context, memberID string) error
	CountAdmins(ctx context.Context, workspaceID string) (int, error)
	InsertProject(ctx context.Context, item store.Project) error
	GetProject(ctx context.Context, projectID string) (store.Project, error)
	ListProjectsByWorkspace(ctx context.Context, workspaceID string) ([]store.Project, error)
	UpdateProject(ctx context.Context, projectID, name, imageURL string) error
	DeleteProject(ctx context.Context, projectID string) error
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type AssetStore interface {
	Upload(ctx context.Context, contentType string, data []byte) (string, error)
	Download(ctx context.Context, objectID string) ([]byte, error)
}

type searchService interface {
	Search(ctx context.Context, q search.Query) search.Response
	IndexProject(record search.ProjectRecord)
	DeleteProject(id string)
}

type accountService interface {
	SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, error)
	SignIn(ctx context.Context, req authpw.SignInRequest) (store.User, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts accountService
	assets   AssetStore
	search   searchService
}

// New wires the service with refresh tokens kept in Postgres. assetSvc and
// searchSvc may be nil when MinIO / Meilisearch are not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, assetSvc AssetStore, searchSvc *search.Service) *Service {
	return newService(cfg, dataStore, dataStore, assetSvc, searchSvc)
}

// NewWithSessionStore wires the service with an external (Redis) refresh
// token store.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, assetSvc AssetStore, searchSvc *search.Service) *Service {
	return newService(cfg, dataStore, sessions, assetSvc, searchSvc)
}

func newService(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, assetSvc AssetStore, searchSvc *search.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		accounts: authpw.NewService(dataStore),
	}
	if assetSvc != nil {
		svc.assets = assetSvc
	}
	if searchSvc != nil {
		svc.search = searchSvc
	}
	return svc
}

// Ping checks the data store and, when refresh tokens live elsewhere
// (Redis), that store too. Used by the readiness endpoint.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return err
	}
	if pinger, ok := s.sessions.(interface{ Ping(context.Context) error }); ok && any(s.sessions) != any(s.store) {
		return pinger.Ping(ctx)
	}
	return nil
}

// upstreamCtx bounds one external call; no store call may block
// indefinitely.
func (s *Service) upstreamCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := s.cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// readUpstream runs a read-only store call under a bounded timeout and
// retries it once on transient failure. Writes never go through here.
func (s *Service) readUpstream(ctx context.Context, op func(context.Context) error) error {
	attempt := func() error {
		opCtx, cancel := s.upstreamCtx(ctx)
		defer cancel()
		return op(opCtx)
	}
	err := attempt()
	if err == nil || !isTransient(err) || ctx.Err() != nil {
		return translateUpstream(err)
	}
	return translateUpstream(attempt())
}

// writeUpstream runs a mutating store call under a bounded timeout. Exactly
// one attempt: creation operations are not idempotent here.
func (s *Service) writeUpstream(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := s.upstreamCtx(ctx)
	defer cancel()
	return translateUpstream(op(opCtx))
}

func isTransient(err error) bool {
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, store.ErrDuplicate) {
		return false
	}
	var domainErr *DomainError
	return !errors.As(err, &domainErr)
}

func translateUpstream(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errUpstreamTimeout()
	}
	return err
}

// ── Sessions ──

func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (store.User, error) {
	var user store.User
	err := s.writeUpstream(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.accounts.SignUp(ctx, authpw.SignUpRequest{
			Email:       email,
			Password:    password,
			DisplayName: displayName,
		})
		return err
	})
	return user, err
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	var user store.User
	err := s.writeUpstream(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.accounts.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
		return err
	})
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	var user store.User
	err := s.writeUpstream(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.sessions.LookupRefreshSession(ctx, tokenHash)
		if err != nil {
			return err
		}
		return s.sessions.RevokeRefreshSession(ctx, tokenHash)
	})
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return Session{}, err
		}
		return Session{}, errUnauthenticated()
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	err = s.writeUpstream(ctx, func(ctx context.Context) error {
		return s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires)
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Email:        user.Email,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}

	var revoked bool
	err = s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		revoked, err = s.store.IsAccessTokenRevoked(ctx, claims.JTI)
		return err
	})
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	var user store.User
	err = s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		user, err = s.store.GetUserByID(ctx, claims.Sub)
		return err
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Email:     user.Email,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.writeUpstream(ctx, func(ctx context.Context) error {
			return s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
		})
	}
	if refreshToken != "" {
		_ = s.writeUpstream(ctx, func(ctx context.Context) error {
			return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
		})
	}
	return nil
}

// ── Membership resolution ──

// ResolveMember looks up the membership of a user in a workspace. Missing
// membership surfaces as sql.ErrNoRows; callers decide whether that means
// 403 or 404.
func (s *Service) ResolveMember(ctx context.Context, workspaceID, userID string) (store.Member, error) {
	var member store.Member
	err := s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		member, err = s.store.GetMember(ctx, workspaceID, userID)
		return err
	})
	return member, err
}

// requireMember is the authorization gate: a valid session must map to a
// member row on the workspace, or the request stops with 403.
func (s *Service) requireMember(ctx context.Context, workspaceID, userID string) (store.Member, error) {
	member, err := s.ResolveMember(ctx, workspaceID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Member{}, errForbidden()
	}
	if err != nil {
		return store.Member{}, err
	}
	return member, nil
}

func (s *Service) requireRole(ctx context.Context, workspaceID, userID string, action rbac.Action) (store.Member, error) {
	member, err := s.requireMember(ctx, workspaceID, userID)
	if err != nil {
		return store.Member{}, err
	}
	if !rbac.Can(rbac.Normalize(member.Role), action) {
		return store.Member{}, errForbidden()
	}
	return member, nil
}

// ── Workspaces ──

func validateName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", errValidation("name is required", nil)
	}
	if utf8.RuneCountInString(trimmed) > maxNameLength {
		return "", errValidation("name must be at most 256 characters", nil)
	}
	return trimmed, nil
}

func validateImage(image *ImageUpload) error {
	if image == nil {
		return nil
	}
	if _, ok := allowedImageTypes[image.ContentType]; !ok {
		return errValidation("image must be png, jpeg, or svg", nil)
	}
	if len(image.Data) > maxImageBytes {
		return errValidation("image must be at most 1 MiB", nil)
	}
	return nil
}

// uploadImage pushes the image to the asset store and returns an inline
// data URL, mirroring how workspace and project avatars are stored.
func (s *Service) uploadImage(ctx context.Context, image *ImageUpload) (string, error) {
	if image == nil {
		return "", nil
	}
	if s.assets == nil {
		return "", errAssetUpload("asset store is not configured")
	}

	var objectID string
	err := s.writeUpstream(ctx, func(ctx context.Context) error {
		var err error
		objectID, err = s.assets.Upload(ctx, image.ContentType, image.Data)
		return err
	})
	if err != nil {
		var domainErr *DomainError
		if errors.As(err, &domainErr) {
			return "", err
		}
		return "", errAssetUpload("image upload failed")
	}

	var data []byte
	err = s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		data, err = s.assets.Download(ctx, objectID)
		return err
	})
	if err != nil {
		return "", errAssetUpload("image download failed")
	}
	return assets.DataURL(image.ContentType, data), nil
}

// CreateWorkspace provisions a workspace together with its creator's ADMIN
// membership and a fresh invite code. The image, when present, is uploaded
// before anything is written to the store.
func (s *Service) CreateWorkspace(ctx context.Context, session Session, name string, image *ImageUpload) (map[string]any, error) {
	trimmedName, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if err := validateImage(image); err != nil {
		return nil, err
	}

	imageURL, err := s.uploadImage(ctx, image)
	if err != nil {
		return nil, err
	}

	workspace := store.Workspace{
		ID:         util.NewID("ws"),
		Name:       trimmedName,
		UserID:     session.UserID,
		ImageURL:   imageURL,
		InviteCode: util.NewInviteCode(util.InviteCodeLength),
		CreatedAt:  time.Now(),
	}
	member := store.Member{
		ID:          util.NewID("mem"),
		UserID:      session.UserID,
		WorkspaceID: workspace.ID,
		Role:        string(rbac.RoleAdmin),
	}

	err = s.writeUpstream(ctx, func(ctx context.Context) error {
		return s.store.CreateWorkspaceWithAdmin(ctx, workspace, member)
	})
	if err != nil {
		return nil, err
	}

	return map[string]any{"data": workspacePayload(workspace)}, nil
}

// ListWorkspaces returns the workspaces the user belongs to, newest first.
func (s *Service) ListWorkspaces(ctx context.Context, session Session) (map[string]any, error) {
	var memberships []store.Member
	err := s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		memberships, err = s.store.ListMembershipsByUser(ctx, session.UserID)
		return err
	})
	if err != nil {
		return nil, err
	}

	// No memberships: skip the workspace query entirely.
	if len(memberships) == 0 {
		return map[string]any{"data": map[string]any{"documents": []any{}, "total": 0}}, nil
	}

	workspaceIDs := make([]string, 0, len(memberships))
	for _, membership := range memberships {
		workspaceIDs = append(workspaceIDs, membership.WorkspaceID)
	}

	var workspaces []store.Workspace
	err = s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		workspaces, err = s.store.ListWorkspacesByIDs(ctx, workspaceIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	documents := make([]any, 0, len(workspaces))
	for _, workspace := range workspaces {
		documents = append(documents, workspacePayload(workspace))
	}
	return map[string]any{"data": map[string]any{"documents": documents, "total": len(documents)}}, nil
}

func (s *Service) GetWorkspace(ctx context.Context, session Session, workspaceID string) (map[string]any, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return nil, err
	}

	var workspace store.Workspace
	err := s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		workspace, err = s.store.GetWorkspace(ctx, workspaceID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"data": workspacePayload(workspace)}, nil
}

func (s *Service) UpdateWorkspace(ctx context.Context, session Session, workspaceID, name string, image *ImageUpload) (map[string]any, error) {
	// Input validation happens before any store call.
	trimmedName, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if err := validateImage(image); err != nil {
		return nil, err
	}

	if _, err := s.requireRole(ctx, workspaceID, session.UserID, rbac.ActionManage); err != nil {
		return nil, err
	}

	var workspace store.Workspace
	err = s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		workspace, err = s.store.GetWorkspace(ctx, workspaceID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, err
	}

	imageURL := workspace.ImageURL
	if image != nil {
		imageURL, err = s.uploadImage(ctx, image)
		if err != nil {
			return nil, err
		}
	}

	err = s.writeUpstream(ctx, func(ctx context.Context) error {
		return s.store.UpdateWorkspace(ctx, workspaceID, trimmedName, imageURL)
	})
	if err != nil {
		return nil, err
	}

	workspace.Name = trimmedName
	workspace.ImageURL = imageURL
	return map[string]any{"data": workspacePayload(workspace)}, nil
}

func (s *Service) DeleteWorkspace(ctx context.Context, session Session, workspaceID string) error {
	if _, err := s.requireRole(ctx, workspaceID, session.UserID, rbac.ActionManage); err != nil {
		return err
	}

	var projects []store.Project
	_ = s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		projects, err = s.store.ListProjectsByWorkspace(ctx, workspaceID)
		return err
	})

	err := s.writeUpstream(ctx, func(ctx context.Context) error {
		return s.store.DeleteWorkspace(ctx, workspaceID)
	})
	if err != nil {
		return err
	}

	if s.search != nil {
		for _, project := range projects {
			s.search.DeleteProject(project.ID)
		}
	}
	return nil
}

// ── Members ──

func (s *Service) ListMembers(ctx context.Context, session Session, workspaceID string) (map[string]any, error) {
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return nil, err
	}

	var members []store.MemberWithUser
	err := s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		members, err = s.store.ListMembers(ctx, workspaceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	documents := make([]any, 0, len(members))
	for _, member := range members {
		documents = append(documents, memberPayload(member))
	}
	return map[string]any{"data": map[string]any{"documents": documents, "total": len(documents)}}, nil
}

func (s *Service) UpdateMemberRole(ctx context.Context, session Session, memberID, role string) (map[string]any, error) {
	if !rbac.Valid(role) {
		return nil, errValidation("role must be ADMIN or MEMBER", nil)
	}

	var member store.Member
	err := s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		member, err = s.store.GetMemberByID(ctx, memberID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound()
	}
	if err != nil {
		return nil, err
	}

	if _, err := s.requireRole(ctx, member.WorkspaceID, session.UserID, rbac.ActionManage); err != nil {
		return nil, err
	}

	if member.Role == string(rbac.RoleAdmin) && role != string(rbac.RoleAdmin) {
		if err := s.ensureNotLastAdmin(ctx, member.WorkspaceID); err != nil {
			return nil, err
		}
	}

	err = s.writeUpstream(ctx, func(ctx context.Context) error {
		return s.store.UpdateMemberRole(ctx, memberID, role)
	})
	if err != nil {
		return nil, err
	}

	member.Role = role
	return map[string]any{"data": map[string]any{
		"id":          member.ID,
		"userId":      member.UserID,
		"workspaceId": member.WorkspaceID,
		"role":        member.Role,
	}}, nil
}

func (s *Service) RemoveMember(ctx context.Context, session Session, memberID string) error {
	var member store.Member
	err := s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		member, err = s.store.GetMemberByID(ctx, memberID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound()
	}
	if err != nil {
		return err
	}

	// Members may remove themselves; removing anyone else takes ADMIN.
	if member.UserID != session.UserID {
		if _, err := s.requireRole(ctx, member.WorkspaceID, session.UserID, rbac.ActionManage); err != nil {
			return err
		}
	} else {
		if _, err := s.requireMember(ctx, member.WorkspaceID, session.UserID); err != nil {
			return err
		}
	}

	if member.Role == string(rbac.RoleAdmin) {
		if err := s.ensureNotLastAdmin(ctx, member.WorkspaceID); err != nil {
			return err
		}
	}

	return s.writeUpstream(ctx, func(ctx context.Context) error {
		return s.store.DeleteMember(ctx, memberID)
	})
}

func (s *Service) ensureNotLastAdmin(ctx context.Context, workspaceID string) error {
	var admins int
	err := s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		admins, err = s.store.CountAdmins(ctx, workspaceID)
		return err
	})
	if err != nil {
		return err
	}
	if admins <= 1 {
		return domainError(409, "LAST_ADMIN", "A workspace must keep at least one admin", nil)
	}
	return nil
}

// ── Projects ──

func (s *Service) CreateProject(ctx context.Context, session Session, workspaceID, name string, image *ImageUpload) (map[string]any, error) {
	if workspaceID == "" {
		return nil, errValidation("workspaceId is required", nil)
	}
	trimmedName, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if err := validateImage(image); err != nil {
		return nil, err
	}

	if _, err := s.requireRole(ctx, workspaceID, session.UserID, rbac.ActionEdit); err != nil {
		return nil, err
	}

	imageURL, err := s.uploadImage(ctx, image)
	if err != nil {
		return nil, err
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        trimmedName,
		WorkspaceID: workspaceID,
		ImageURL:    imageURL,
		CreatedAt:   time.Now(),
	}
	err = s.writeUpstream(ctx, func(ctx context.Context) error {
		return s.store.InsertProject(ctx, project)
	})
	if err != nil {
		return nil, err
	}

	if s.search != nil {
		s.search.IndexProject(search.ProjectRecord{ID: project.ID, Name: project.Name, WorkspaceID: project.WorkspaceID})
	}
	return map[string]any{"data": projectPayload(project)}, nil
}

func (s *Service) ListProjects(ctx context.Context, session Session, workspaceID string) (map[string]any, error) {
	if workspaceID == "" {
		return nil, errValidation("workspaceId is required", nil)
	}
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return nil, err
	}

	var projects []store.Project
	err := s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		projects, err = s.store.ListProjectsByWorkspace(ctx, workspaceID)
		return err
	})
	if err != nil {
		return nil, err
	}

	documents := make([]any, 0, len(projects))
	for _, project := range projects {
		documents = append(documents, projectPayload(project))
	}
	return map[string]any{"data": map[string]any{"documents": documents, "total": len(documents)}}, nil
}

// GetProject is the guarded read: session, then resource, then membership
// on the owning workspace.
func (s *Service) GetProject(ctx context.Context, session Session, projectID string) (map[string]any, error) {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireMember(ctx, project.WorkspaceID, session.UserID); err != nil {
		return nil, err
	}
	return map[string]any{"data": projectPayload(project)}, nil
}

func (s *Service) UpdateProject(ctx context.Context, session Session, projectID, name string, image *ImageUpload) (map[string]any, error) {
	trimmedName, err := validateName(name)
	if err != nil {
		return nil, err
	}
	if err := validateImage(image); err != nil {
		return nil, err
	}

	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireRole(ctx, project.WorkspaceID, session.UserID, rbac.ActionEdit); err != nil {
		return nil, err
	}

	imageURL := project.ImageURL
	if image != nil {
		imageURL, err = s.uploadImage(ctx, image)
		if err != nil {
			return nil, err
		}
	}

	err = s.writeUpstream(ctx, func(ctx context.Context) error {
		return s.store.UpdateProject(ctx, projectID, trimmedName, imageURL)
	})
	if err != nil {
		return nil, err
	}

	project.Name = trimmedName
	project.ImageURL = imageURL
	if s.search != nil {
		s.search.IndexProject(search.ProjectRecord{ID: project.ID, Name: project.Name, WorkspaceID: project.WorkspaceID})
	}
	return map[string]any{"data": projectPayload(project)}, nil
}

func (s *Service) DeleteProject(ctx context.Context, session Session, projectID string) error {
	project, err := s.loadProject(ctx, projectID)
	if err != nil {
		return err
	}
	if _, err := s.requireRole(ctx, project.WorkspaceID, session.UserID, rbac.ActionEdit); err != nil {
		return err
	}

	err = s.writeUpstream(ctx, func(ctx context.Context) error {
		return s.store.DeleteProject(ctx, projectID)
	})
	if err != nil {
		return err
	}

	if s.search != nil {
		s.search.DeleteProject(projectID)
	}
	return nil
}

func (s *Service) loadProject(ctx context.Context, projectID string) (store.Project, error) {
	var project store.Project
	err := s.readUpstream(ctx, func(ctx context.Context) error {
		var err error
		project, err = s.store.GetProject(ctx, projectID)
		return err
	})
	if errors.Is(err, sql.ErrNoRows) {
		return store.Project{}, errNotFound()
	}
	if err != nil {
		return store.Project{}, err
	}
	return project, nil
}

// ── Search ──

func (s *Service) SearchProjects(ctx context.Context, session Session, workspaceID, text string, limit, offset int) (search.Response, error) {
	if workspaceID == "" {
		return search.Response{}, errValidation("workspaceId is required", nil)
	}
	if _, err := s.requireMember(ctx, workspaceID, session.UserID); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}

	searchCtx, cancel := s.upstreamCtx(ctx)
	defer cancel()
	return s.search.Search(searchCtx, search.Query{
		Text:        text,
		WorkspaceID: workspaceID,
		Limit:       limit,
		Offset:      offset,
	}), nil
}

// ── Payloads ──

func workspacePayload(workspace store.Workspace) map[string]any {
	return map[string]any{
		"id":         workspace.ID,
		"name":       workspace.Name,
		"userId":     workspace.UserID,
		"imageUrl":   workspace.ImageURL,
		"inviteCode": workspace.InviteCode,
		"createdAt":  workspace.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func memberPayload(member store.MemberWithUser) map[string]any {
	return map[string]any{
		"id":          member.ID,
		"userId":      member.UserID,
		"workspaceId": member.WorkspaceID,
		"role":        member.Role,
		"name":        member.DisplayName,
		"email":       member.Email,
	}
}

func projectPayload(project store.Project) map[string]any {
	return map[string]any{
		"id":          project.ID,
		"name":        project.Name,
		"workspaceId": project.WorkspaceID,
		"imageUrl":    project.ImageURL,
		"createdAt":   project.CreatedAt.UTC().Format(time.RFC3339),
	}
}
