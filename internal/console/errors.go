package console

import (
	"fmt"

	"github.com/containerd/errdefs"
)

var (
	// ErrNoToken is returned by Upload before a payment has been verified.
	ErrNoToken = fmt.Errorf("%w: no access token, verify first", errdefs.ErrUnauthenticated)

	// ErrNoFile is returned by Upload when no document was provided.
	ErrNoFile = fmt.Errorf("%w: no file selected", errdefs.ErrInvalidArgument)

	// ErrNotVerified is returned by Verify when the service replied without a token.
	ErrNotVerified = fmt.Errorf("%w: verification returned no token", errdefs.ErrPermissionDenied)

	// ErrManagerClosed is returned by Manager.Get during shutdown.
	ErrManagerClosed = fmt.Errorf("%w: console manager closed", errdefs.ErrUnavailable)
)
