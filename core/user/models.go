package user

import (
	"net/mail"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/trezcool/growthhub/core"
)

// Role is the closed set of roles a Person may hold.
type Role string

const (
	RoleSuperAdmin Role = "SUPERADMIN"
	RoleAdmin      Role = "ADMIN"
	RoleLeader     Role = "LEADER"
	RoleManagement Role = "MANAGEMENT"
	RoleTeacher    Role = "TEACHER"
)

var (
	AllRoles = []Role{RoleSuperAdmin, RoleAdmin, RoleLeader, RoleManagement, RoleTeacher}

	rolePriorities = map[Role]int{
		// Admins: 30 - 21
		RoleSuperAdmin: 30,
		RoleAdmin:      21,

		// Leadership: 20 - 12
		RoleLeader:     15,
		RoleManagement: 12,

		// Staff: 11 - 1
		RoleTeacher: 11,
	}

	Roles = []RoleInfo{
		{Name: "Teacher", Value: RoleTeacher},
		{Name: "Management", Value: RoleManagement},
		{Name: "Leader", Value: RoleLeader},
		{Name: "Admin", Value: RoleAdmin},
		{Name: "Super Admin", Value: RoleSuperAdmin},
	}
)

// RoleInfo is a displayable Role.
type RoleInfo struct {
	Name  string `json:"name"`
	Value Role   `json:"value"`
}

func (r Role) Valid() bool {
	_, ok := rolePriorities[r]
	return ok
}

// IsSupervisory reports whether r may upload, assign and delete documents and see every acknowledgement.
func (r Role) IsSupervisory() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleLeader:
		return true
	case RoleManagement, RoleTeacher:
		return false
	default:
		return false
	}
}

// IsAdmin reports whether r may manage users.
func (r Role) IsAdmin() bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin:
		return true
	default:
		return false
	}
}

func (r Role) Priority() int {
	return rolePriorities[r]
}

// SupervisoryRoles lists every Role for which IsSupervisory is true.
func SupervisoryRoles() []Role {
	roles := make([]Role, 0, len(AllRoles))
	for _, r := range AllRoles {
		if r.IsSupervisory() {
			roles = append(roles, r)
		}
	}
	return roles
}

type User struct {
	ID           string    `json:"id"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email"`
	Role         Role      `json:"role"`
	IsActive     bool      `json:"is_active"`
	PasswordHash []byte    `json:"-"`
	CreatedAt    time.Time `json:"created_at"` // UTC
	UpdatedAt    time.Time `json:"updated_at"` // UTC
	LastLogin    time.Time `json:"last_login"` // UTC
}

func (u *User) SetPassword(pwd string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(pwd), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return nil
}

func (u *User) CheckPassword(pwd string) error {
	return bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(pwd))
}

func (u User) IsSupervisory() bool { return u.Role.IsSupervisory() }
func (u User) IsAdmin() bool       { return u.Role.IsAdmin() }

func (u User) Summary() Summary {
	return Summary{ID: u.ID, FullName: u.FullName, Email: u.Email}
}

func (u User) Address() mail.Address {
	return mail.Address{Name: u.FullName, Address: u.Email}
}

// Summary holds the display attributes of a Person.
type Summary struct {
	ID       string `json:"id"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
}

// NewUser contains information needed to create a new User.
type NewUser struct {
	FullName        string `json:"full_name" validate:"required,max=200"`
	Email           string `json:"email" validate:"required,email"`
	Role            Role   `json:"role" validate:"required,role"`
	Password        string `json:"password" validate:"required"`
	PasswordConfirm string `json:"password_confirm" validate:"required,eqfield=Password"`
}

func (nu *NewUser) Clean() {
	nu.FullName = core.CleanString(nu.FullName)
	nu.Email = core.CleanString(nu.Email, true /* lower */)
}

// UpdateUser defines what information may be provided to modify an existing User.
// Zero values keep the current attributes.
type UpdateUser struct {
	FullName string `json:"full_name" validate:"omitempty,max=200"`
	Email    string `json:"email" validate:"omitempty,email"`
	Role     Role   `json:"role" validate:"omitempty,role"`
	IsActive *bool  `json:"is_active"`
}

// Clean trims the input and fills blank fields from origUsr.
func (uu *UpdateUser) Clean(origUsr User) {
	if name := core.CleanString(uu.FullName); name != "" {
		uu.FullName = name
	} else {
		uu.FullName = origUsr.FullName
	}
	if email := core.CleanString(uu.Email, true /* lower */); email != "" {
		uu.Email = email
	} else {
		uu.Email = origUsr.Email
	}
	if uu.Role == "" {
		uu.Role = origUsr.Role
	}
}

type QueryFilter struct {
	Search   string   `query:"search"`
	Roles    []string `query:"role"`
	IsActive *bool    `query:"is_active"`
}

func (qf *QueryFilter) IsEmpty() bool {
	return qf.Search == "" && len(qf.Roles) == 0 && qf.IsActive == nil
}

func (qf *QueryFilter) Clean() {
	qf.Search = core.CleanString(qf.Search)
}

// GetFilter selects a single User; the first non-empty field wins.
type GetFilter struct {
	ID    string
	Email string
}
