package main

import (
	"context"
	"fmt"

	"github.com/kat-co/vala"

	"github.com/trezcool/growthhub/core/user"
)

// addUser creates an active user.User; the password policy applies.
func (cli *commandLine) addUser(name, email string, role user.Role, pwd string) error {
	if err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(name, "name"),
		vala.StringNotEmpty(email, "email"),
		vala.StringNotEmpty(pwd, "password"),
	).Check(); err != nil {
		return err
	}

	usr, err := cli.usrSvc.Create(context.Background(), user.NewUser{
		FullName:        name,
		Email:           email,
		Role:            role,
		Password:        pwd,
		PasswordConfirm: pwd,
	})
	if err != nil {
		return err
	}
	fmt.Printf("created %s (%s) as %s\n", usr.Email, usr.ID, usr.Role)
	return nil
}
