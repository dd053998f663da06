// Package media provides the typed event plumbing shared by fragment producers
// and consumers.
package media

import (
	"github.com/lanikai/protectbridge/internal/logging"
)

var log = logging.DefaultLogger.WithTag("media")
