package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/opsani/servo/internal/protocol"
)

// probeInfo runs `driverPath --info appID` to completion and parses its
// stdout as a single JSON object. No stdin is fed to the probe.
func probeInfo(ctx context.Context, driverPath, appID string) (protocol.DriverInfo, error) {
	cmd := exec.CommandContext(ctx, driverPath, "--info", appID)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return protocol.DriverInfo{}, fmt.Errorf("driver --info %s: %w (stderr: %s)", appID, err, stderr.String())
	}

	var info protocol.DriverInfo
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &info); err != nil {
		return protocol.DriverInfo{}, fmt.Errorf("driver --info %s: %w: %s", appID, protocol.ErrDriverDecode, err)
	}

	return info, nil
}
