package session

import "github.com/oklog/ulid/v2"

// newID returns a sortable, unguessable session ID such as
// "sess_01HV3K8Z6Q2Y4W0F9C7T5N1B3D".
func newID() string {
	return "sess_" + ulid.Make().String()
}
