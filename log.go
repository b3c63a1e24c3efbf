package camera

import (
	"github.com/linux-cool/imx6pull/internal/logging"
)

var log = logging.DefaultLogger.WithTag("camera")
