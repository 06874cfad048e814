package user

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"github.com/trezcool/growthhub/core"
)

var (
	// errors
	ErrNotFound           = errors.New("user not found")
	ErrEmailExists        = errors.New("a user with this email already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountDeactivated = errors.New("account deactivated")

	NowFunc = time.Now // mockable
)

type (
	Repository interface {
		CheckEmailUniqueness(ctx context.Context, email string, excludedUsers []User, exec ...core.DBExecutor) error
		CreateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		GetUser(ctx context.Context, filter GetFilter, exec ...core.DBExecutor) (User, error)
		// GetUsersByID returns the found users only; callers compare lengths to detect unknown ids.
		GetUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) ([]User, error)
		// QueryUsers applies AND operation on available QueryFilter fields.
		// QueryFilter.Search does a case-insensitive match on one of User.FullName or User.Email.
		QueryUsers(ctx context.Context, filter QueryFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]User, error)
		UpdateUser(ctx context.Context, usr User, exec ...core.DBExecutor) (User, error)
		// DeleteUsersByID deletes the users along with their acknowledgements; it returns the number of deleted users.
		DeleteUsersByID(ctx context.Context, ids []string, exec ...core.DBExecutor) (int64, error)
	}

	Service struct {
		repo     Repository
		validate *validator.Validate
	}
)

func NewService(repo Repository, validate *validator.Validate) *Service {
	return &Service{repo: repo, validate: validate}
}

func (svc *Service) checkUniqueness(ctx context.Context, email string, exclUsers ...User) error {
	if err := svc.repo.CheckEmailUniqueness(ctx, email, exclUsers); err != nil {
		if err == ErrEmailExists {
			return core.NewValidationError(err, core.FieldError{Field: "email", Error: err.Error()})
		}
		return errors.Wrap(err, "checking email uniqueness")
	}
	return nil
}

func (svc *Service) Create(ctx context.Context, nu NewUser) (User, error) {
	nu.Clean()
	if err := svc.validate.Struct(nu); err != nil {
		return User{}, err
	}
	if err := svc.checkUniqueness(ctx, nu.Email); err != nil {
		return User{}, err
	}

	now := NowFunc().UTC()
	usr := User{
		FullName:  nu.FullName,
		Email:     nu.Email,
		Role:      nu.Role,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := usr.SetPassword(nu.Password); err != nil {
		return User{}, errors.Wrap(err, "hashing password")
	}
	usr, err := svc.repo.CreateUser(ctx, usr)
	return usr, errors.Wrap(err, "creating user")
}

func (svc *Service) GetByID(ctx context.Context, id string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{ID: id})
}

func (svc *Service) GetByEmail(ctx context.Context, email string) (User, error) {
	return svc.repo.GetUser(ctx, GetFilter{Email: core.CleanString(email, true /* lower */)})
}

func (svc *Service) Query(ctx context.Context, filter QueryFilter, ordering []core.DBOrdering) ([]User, error) {
	filter.Clean()
	return svc.repo.QueryUsers(ctx, filter, ordering)
}

// Update applies uu to the user identified by id.
func (svc *Service) Update(ctx context.Context, id string, uu UpdateUser) (User, error) {
	usr, err := svc.repo.GetUser(ctx, GetFilter{ID: id})
	if err != nil {
		return User{}, err
	}
	uu.Clean(usr)
	if err = svc.validate.Struct(uu); err != nil {
		return User{}, err
	}
	if uu.Email != usr.Email {
		if err = svc.checkUniqueness(ctx, uu.Email, usr); err != nil {
			return User{}, err
		}
	}

	usr.FullName = uu.FullName
	usr.Email = uu.Email
	usr.Role = uu.Role
	if uu.IsActive != nil {
		usr.IsActive = *uu.IsActive
	}
	usr.UpdatedAt = NowFunc().UTC()
	usr, err = svc.repo.UpdateUser(ctx, usr)
	if errors.Cause(err) == ErrEmailExists {
		return User{}, core.NewValidationError(err, core.FieldError{Field: "email", Error: err.Error()})
	}
	return usr, errors.Wrap(err, "updating user")
}

// Delete removes the users identified by ids; their acknowledgements go with them.
// ErrNotFound is returned when none of them exists.
func (svc *Service) Delete(ctx context.Context, ids ...string) error {
	ids = core.UniqueStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	n, err := svc.repo.DeleteUsersByID(ctx, ids)
	if err != nil {
		return errors.Wrap(err, "deleting users")
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Authenticate checks the credentials of an active user and records their login.
func (svc *Service) Authenticate(ctx context.Context, email, pwd string) (User, error) {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		if errors.Cause(err) == ErrNotFound {
			return User{}, ErrInvalidCredentials
		}
		return User{}, errors.Wrap(err, "finding user by email")
	}
	if err = usr.CheckPassword(pwd); err != nil {
		return User{}, ErrInvalidCredentials
	}
	if !usr.IsActive {
		return User{}, ErrAccountDeactivated
	}

	usr.LastLogin = NowFunc().UTC()
	usr, err = svc.repo.UpdateUser(ctx, usr)
	return usr, errors.Wrap(err, "setting lastLogin")
}

// SetPassword replaces the password of the user identified by email.
func (svc *Service) SetPassword(ctx context.Context, email, pwd string) error {
	usr, err := svc.GetByEmail(ctx, email)
	if err != nil {
		return err
	}
	if err = CheckPasswordPolicy(pwd, usr); err != nil {
		return err
	}
	if err = usr.SetPassword(pwd); err != nil {
		return errors.Wrap(err, "hashing password")
	}
	usr.UpdatedAt = NowFunc().UTC()
	_, err = svc.repo.UpdateUser(ctx, usr)
	return errors.Wrap(err, "updating user")
}
