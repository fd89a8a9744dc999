package messaging

import (
	"log/slog"
	"os"
	"testing"

	"github.com/mbd888/cocrm/internal/logging"
)

func TestMain(m *testing.M) {
	slog.SetDefault(logging.Discard())
	os.Exit(m.Run())
}
