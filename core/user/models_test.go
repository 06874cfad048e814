package user

import (
	"testing"
)

func TestRole_IsSupervisory(t *testing.T) {
	tests := []struct {
		role            Role
		wantSupervisory bool
		wantAdmin       bool
	}{
		{role: RoleSuperAdmin, wantSupervisory: true, wantAdmin: true},
		{role: RoleAdmin, wantSupervisory: true, wantAdmin: true},
		{role: RoleLeader, wantSupervisory: true},
		{role: RoleManagement},
		{role: RoleTeacher},
		{role: Role("lol")},
		{role: Role("")},
	}
	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			if got := tt.role.IsSupervisory(); got != tt.wantSupervisory {
				t.Errorf("IsSupervisory() = %v, want %v", got, tt.wantSupervisory)
			}
			if got := tt.role.IsAdmin(); got != tt.wantAdmin {
				t.Errorf("IsAdmin() = %v, want %v", got, tt.wantAdmin)
			}
		})
	}

	for _, r := range AllRoles {
		if !r.Valid() {
			t.Errorf("%s is not valid", r)
		}
	}
	if Role("teacher").Valid() {
		t.Error("roles are case sensitive")
	}
}

func TestSupervisoryRoles(t *testing.T) {
	roles := SupervisoryRoles()
	if len(roles) != 3 {
		t.Fatalf("SupervisoryRoles() = %v", roles)
	}
	for _, r := range roles {
		if !r.IsSupervisory() {
			t.Errorf("%s is not supervisory", r)
		}
	}
}

func TestRole_Priority(t *testing.T) {
	ordered := []Role{RoleTeacher, RoleManagement, RoleLeader, RoleAdmin, RoleSuperAdmin}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Priority() >= ordered[i].Priority() {
			t.Errorf("%s should rank below %s", ordered[i-1], ordered[i])
		}
	}
	if Role("lol").Priority() != 0 {
		t.Error("unknown roles have no priority")
	}
}

func TestCheckPasswordPolicy(t *testing.T) {
	usr := User{FullName: "Jane Mukendi", Email: "jane.mukendi@test.cd"}
	tests := []struct {
		name    string
		pwd     string
		wantErr bool
	}{
		{name: "too short", pwd: "Ab1!", wantErr: true},
		{name: "whitespace", pwd: "Abcd 1234!", wantErr: true},
		{name: "all numeric", pwd: "1234567890", wantErr: true},
		{name: "no special", pwd: "Abcdefg123", wantErr: true},
		{name: "no upper", pwd: "abcdefg1!", wantErr: true},
		{name: "similar to name", pwd: "JaneMukendi1!", wantErr: true},
		{name: "similar to email", pwd: "Jane.Mukendi@1", wantErr: true},
		{name: "ok", pwd: "Xk9#mQv2!Lp"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := CheckPasswordPolicy(tt.pwd, usr); (err != nil) != tt.wantErr {
				t.Errorf("CheckPasswordPolicy() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
