package process

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"
)

// OriginalUser returns the user who invoked sudo.
func OriginalUser() (*user.User, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return nil, fmt.Errorf("SUDO_USER environment variable not found")
	}
	return user.Lookup(sudoUser)
}

// SudoCredential returns the credential a launched target should run with so
// that it does not inherit root from the tracer.
func SudoCredential() (*syscall.Credential, error) {
	u, err := OriginalUser()
	if err != nil {
		return nil, fmt.Errorf("could not get original user: %w", err)
	}
	return credentialFor(u)
}

func credentialFor(u *user.User) (*syscall.Credential, error) {
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid uid: %w", err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid gid: %w", err)
	}

	cred := &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}
	if groups, err := u.GroupIds(); err == nil {
		for _, g := range groups {
			if v, err := strconv.ParseUint(g, 10, 32); err == nil {
				cred.Groups = append(cred.Groups, uint32(v))
			}
		}
	}
	return cred, nil
}
