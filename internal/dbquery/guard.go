package dbquery

// deniedMessage is returned for every rejected identity so that the response
// does not reveal whether the account exists.
const deniedMessage = "only system administrators may use the database query tool"

// Identity is the authenticated caller of a console operation. A nil *Identity
// is an anonymous caller.
type Identity struct {
	UserID      string
	Name        string
	DisplayName string
	Sysadmin    bool
}

// Authorize permits system administrators and rejects everyone else.
func Authorize(id *Identity) error {
	if id == nil || id.UserID == "" || !id.Sysadmin {
		return ErrUnauthorized(deniedMessage)
	}
	return nil
}
