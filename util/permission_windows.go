package util

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// the ACL replaces inherited entries, so a writable install root does not leak into updater/
const protectedDACL = windows.OWNER_SECURITY_INFORMATION |
	windows.GROUP_SECURITY_INFORMATION |
	windows.DACL_SECURITY_INFORMATION |
	windows.PROTECTED_DACL_SECURITY_INFORMATION

// EnforcePermission limits the directory holding file to the current user and the
// administrators group, so other accounts cannot replace what the updater runs from it.
func EnforcePermission(file string) error {
	dir := filepath.Dir(file)

	owner, primaryGroup, err := processIdentity()
	if err != nil {
		return fmt.Errorf("restrict updater dir %s: %w", dir, err)
	}
	admins, err := windows.CreateWellKnownSid(windows.WinBuiltinAdministratorsSid)
	if err != nil {
		return fmt.Errorf("restrict updater dir %s: administrators sid: %w", dir, err)
	}

	acl, err := windows.ACLFromEntries([]windows.EXPLICIT_ACCESS{
		fullControl(owner, windows.TRUSTEE_IS_USER),
		fullControl(admins, windows.TRUSTEE_IS_WELL_KNOWN_GROUP),
	}, nil)
	if err != nil {
		return fmt.Errorf("restrict updater dir %s: build acl: %w", dir, err)
	}

	if err := windows.SetNamedSecurityInfo(dir, windows.SE_FILE_OBJECT, protectedDACL, owner, primaryGroup, acl, nil); err != nil {
		return fmt.Errorf("restrict updater dir %s: %w", dir, err)
	}
	return nil
}

// fullControl grants sid full access to the directory and everything created below it
func fullControl(sid *windows.SID, trustee windows.TRUSTEE_TYPE) windows.EXPLICIT_ACCESS {
	return windows.EXPLICIT_ACCESS{
		AccessPermissions: windows.GENERIC_ALL,
		AccessMode:        windows.SET_ACCESS,
		Inheritance:       windows.SUB_CONTAINERS_AND_OBJECTS_INHERIT,
		Trustee: windows.TRUSTEE{
			MultipleTrusteeOperation: windows.NO_MULTIPLE_TRUSTEE,
			TrusteeForm:              windows.TRUSTEE_IS_SID,
			TrusteeType:              trustee,
			TrusteeValue:             windows.TrusteeValueFromSID(sid),
		},
	}
}

// processIdentity returns the user and primary group the updater runs as
func processIdentity() (*windows.SID, *windows.SID, error) {
	// pseudo handle, nothing to close
	token := windows.GetCurrentProcessToken()

	user, err := token.GetTokenUser()
	if err != nil {
		return nil, nil, fmt.Errorf("token user: %w", err)
	}
	group, err := token.GetTokenPrimaryGroup()
	if err != nil {
		return nil, nil, fmt.Errorf("token primary group: %w", err)
	}
	return user.User.Sid, group.PrimaryGroup, nil
}
