package identity

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/mesaj-chat/backend/internal/apperr"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	opServiceNew    = "identity.service.new"
	opRegister      = "identity.register"
	opAuthenticate  = "identity.authenticate"
	opGetUser       = "identity.get_user"
	opListUsers     = "identity.list_users"
	opUpdateProfile = "identity.update_profile"
	opSetPushToken  = "identity.set_push_token"
	opPushToken     = "identity.push_token"
)

const minPasswordLength = 6

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// IDProvider issues identifiers for new accounts.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the identity store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service manages account records: registration, credential checks, profile
// reads and updates, and push delivery tokens.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.Wrap(apperr.CodeInternal, opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.Wrap(apperr.CodeInternal, opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Register creates an account with a bcrypt-hashed password. Email and
// username are checked for uniqueness before the insert; at the current
// scale a pre-insert scan is sufficient, and the unique indexes back it up.
func (s *Service) Register(ctx context.Context, email, password, username string) (User, error) {
	email = strings.ToLower(normalize(email))
	username = normalize(username)
	if email == "" || !strings.Contains(email, "@") {
		return User{}, apperr.New(apperr.CodeInvalidArgument, opRegister, "a valid email is required")
	}
	if username == "" {
		return User{}, apperr.New(apperr.CodeInvalidArgument, opRegister, "username is required")
	}
	if len(password) < minPasswordLength {
		return User{}, apperr.New(apperr.CodeInvalidArgument, opRegister, "password is too weak")
	}

	var existing User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if err == nil {
		return User{}, apperr.New(apperr.CodeAlreadyExists, opRegister, "email already in use")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opRegister, "email_lookup_failed", err)
		return User{}, apperr.Wrap(apperr.CodeUnavailable, opRegister, "email_lookup_failed", err)
	}
	err = s.db.WithContext(ctx).Where("username = ?", username).Take(&existing).Error
	if err == nil {
		return User{}, apperr.New(apperr.CodeAlreadyExists, opRegister, "username already taken")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opRegister, "username_lookup_failed", err)
		return User{}, apperr.Wrap(apperr.CodeUnavailable, opRegister, "username_lookup_failed", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		s.logError(opRegister, "hash_failed", err)
		return User{}, apperr.Wrap(apperr.CodeInternal, opRegister, "hash_failed", err)
	}
	userID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opRegister, "id_generation_failed", err)
		return User{}, apperr.Wrap(apperr.CodeInternal, opRegister, "id_generation_failed", err)
	}

	user := User{
		UserID:       userID,
		Email:        email,
		Username:     username,
		PasswordHash: string(hash),
		CreatedAt:    s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		s.logError(opRegister, "insert_failed", err, zap.String("user_id", userID))
		return User{}, apperr.Wrap(apperr.CodeUnavailable, opRegister, "insert_failed", err)
	}
	return user, nil
}

// Authenticate verifies email+password credentials and returns the account.
// Unknown emails and wrong passwords produce the same unauthenticated code so
// the response does not leak which accounts exist.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	email = strings.ToLower(normalize(email))
	if email == "" || password == "" {
		return User{}, apperr.New(apperr.CodeInvalidArgument, opAuthenticate, "email and password are required")
	}
	var user User
	err := s.db.WithContext(ctx).Where("email = ?", email).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.New(apperr.CodeUnauthenticated, opAuthenticate, "invalid credentials")
	}
	if err != nil {
		s.logError(opAuthenticate, "lookup_failed", err)
		return User{}, apperr.Wrap(apperr.CodeUnavailable, opAuthenticate, "lookup_failed", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return User{}, apperr.New(apperr.CodeUnauthenticated, opAuthenticate, "invalid credentials")
	}
	return user, nil
}

// Get returns the account for the given user id.
func (s *Service) Get(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, apperr.New(apperr.CodeNotFound, opGetUser, "user not found")
	}
	if err != nil {
		s.logError(opGetUser, "lookup_failed", err, zap.String("user_id", userID))
		return User{}, apperr.Wrap(apperr.CodeUnavailable, opGetUser, "lookup_failed", err)
	}
	return user, nil
}

// ListUsers returns every account except excludeID, ordered by username. It
// backs the directory used to start a new chat.
func (s *Service) ListUsers(ctx context.Context, excludeID string) ([]User, error) {
	var users []User
	query := s.db.WithContext(ctx).Order("username ASC")
	if excludeID != "" {
		query = query.Where("user_id <> ?", excludeID)
	}
	if err := query.Find(&users).Error; err != nil {
		s.logError(opListUsers, "query_failed", err)
		return nil, apperr.Wrap(apperr.CodeUnavailable, opListUsers, "query_failed", err)
	}
	return users, nil
}

// ProfileUpdate carries optional profile mutations; nil fields are left
// untouched.
type ProfileUpdate struct {
	DisplayName *string
	AvatarURL   *string
}

// UpdateProfile applies the non-nil fields of the update to the account.
func (s *Service) UpdateProfile(ctx context.Context, userID string, update ProfileUpdate) (User, error) {
	updates := map[string]interface{}{}
	if update.DisplayName != nil {
		updates["display_name"] = normalize(*update.DisplayName)
	}
	if update.AvatarURL != nil {
		updates["avatar_url"] = normalize(*update.AvatarURL)
	}
	if len(updates) > 0 {
		result := s.db.WithContext(ctx).
			Model(&User{}).
			Where("user_id = ?", userID).
			Updates(updates)
		if result.Error != nil {
			s.logError(opUpdateProfile, "update_failed", result.Error, zap.String("user_id", userID))
			return User{}, apperr.Wrap(apperr.CodeUnavailable, opUpdateProfile, "update_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return User{}, apperr.New(apperr.CodeNotFound, opUpdateProfile, "user not found")
		}
	}
	return s.Get(ctx, userID)
}

// SetPushToken stores the opaque delivery token the push gateway uses to
// address this user's installed client. An empty token clears it.
func (s *Service) SetPushToken(ctx context.Context, userID, token string) error {
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		Update("push_token", normalize(token))
	if result.Error != nil {
		s.logError(opSetPushToken, "update_failed", result.Error, zap.String("user_id", userID))
		return apperr.Wrap(apperr.CodeUnavailable, opSetPushToken, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperr.New(apperr.CodeNotFound, opSetPushToken, "user not found")
	}
	return nil
}

// PushToken returns the stored delivery token for the user, empty when the
// user has none or the account is gone.
func (s *Service) PushToken(ctx context.Context, userID string) (string, error) {
	user, err := s.Get(ctx, userID)
	if apperr.IsCode(err, apperr.CodeNotFound) {
		return "", nil
	}
	if err != nil {
		return "", apperr.Wrap(apperr.CodeOf(err), opPushToken, "lookup_failed", err)
	}
	return user.PushToken, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("identity service error", attrs...)
}
