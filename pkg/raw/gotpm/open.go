// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-esapi.
//
// go-esapi is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package gotpm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
	"github.com/google/go-tpm/tpm2/transport/linuxudstpm"
	"github.com/google/go-tpm/tpm2/transport/tcp"

	"github.com/jeremyhahn/go-esapi/pkg/logging"
)

const (
	SimulatorEmbedded = "embedded"
	SimulatorSWTPM    = "swtpm"
)

var (
	ErrNoDevice      = errors.New("gotpm: no TPM device configured")
	ErrOpeningDevice = errors.New("gotpm: error opening TPM device")
)

// simulatorOpener is set by the build-tag specific simulator files.
var simulatorOpener func() (transport.TPMCloser, error)

// Target selects the TPM a backend talks to.
type Target struct {
	// Device is a character device such as /dev/tpmrm0, or a unix socket
	// when it ends in .sock.
	Device        string
	UseSimulator  bool
	SimulatorType string
	SimulatorHost string
	SimulatorPort int
}

// Open connects to the TPM described by target.
func Open(target Target, logger *logging.Logger) (*Backend, error) {
	if logger == nil {
		logger = logging.DefaultLogger()
	}
	t, err := openTransport(target, logger)
	if err != nil {
		return nil, err
	}
	return New(t, t, logger), nil
}

func openTransport(target Target, logger *logging.Logger) (transport.TPMCloser, error) {
	if target.UseSimulator {
		switch target.SimulatorType {
		case SimulatorEmbedded:
			logger.Info("opening embedded TPM simulator")
			return simulatorOpener()
		case SimulatorSWTPM, "":
			return openSWTPM(target, logger)
		default:
			return nil, fmt.Errorf("gotpm: invalid simulator type %q", target.SimulatorType)
		}
	}
	if target.Device == "" {
		return nil, ErrNoDevice
	}
	logger.Info("opening TPM device", slog.String("device", target.Device))
	if strings.HasSuffix(target.Device, ".sock") {
		t, err := linuxudstpm.Open(target.Device)
		if err != nil {
			logger.Error(err)
			return nil, fmt.Errorf("%w: %w", ErrOpeningDevice, err)
		}
		return t, nil
	}
	if _, err := os.Stat(target.Device); err != nil {
		logger.Error(err)
		return nil, fmt.Errorf("%w: %w", ErrOpeningDevice, err)
	}
	t, err := transport.OpenTPM(target.Device)
	if err != nil {
		logger.Error(err)
		return nil, fmt.Errorf("%w: %w", ErrOpeningDevice, err)
	}
	return t, nil
}

// openSWTPM connects to swtpm over TCP. The platform port is the command
// port plus one.
func openSWTPM(target Target, logger *logging.Logger) (transport.TPMCloser, error) {
	commandAddress := fmt.Sprintf("%s:%d", target.SimulatorHost, target.SimulatorPort)
	platformAddress := fmt.Sprintf("%s:%d", target.SimulatorHost, target.SimulatorPort+1)
	logger.Info("connecting to swtpm",
		slog.String("command", commandAddress),
		slog.String("platform", platformAddress))
	t, err := tcp.Open(tcp.Config{
		CommandAddress:  commandAddress,
		PlatformAddress: platformAddress,
	})
	if err != nil {
		logger.Error(err)
		return nil, fmt.Errorf("%w: %w", ErrOpeningDevice, err)
	}
	// A running swtpm may already be started.
	_, err = tpm2.Startup{StartupType: tpm2.TPMSUClear}.Execute(t)
	var code tpm2.TPMRC
	if err != nil && !(errors.As(err, &code) && code == tpm2.TPMRCInitialize) {
		_ = t.Close()
		return nil, fmt.Errorf("%w: startup: %w", ErrOpeningDevice, err)
	}
	return t, nil
}
