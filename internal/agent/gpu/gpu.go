// Package gpu detects the local host's GPUs by querying nvidia-smi,
// degrading gracefully to an empty list when the tool is unavailable so
// CPU-only hosts can still run as agents.
package gpu

import (
	"bufio"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mgpu-io/mgpu/internal/protocol"
)

// detectTimeout bounds how long nvidia-smi is given to respond before
// the agent treats it as unavailable.
const detectTimeout = 5 * time.Second

// queryFields mirrors the CSV columns requested from nvidia-smi.
const queryFields = "index,name,memory.total"

// Detect runs nvidia-smi and parses its CSV output into GPUInfo records.
// A missing binary, a non-zero exit, or unparsable output all result in
// an empty, non-error list — the agent still starts, just with zero
// GPUs to offer.
func Detect(ctx context.Context, logger *zap.Logger) []protocol.GPUInfo {
	ctx, cancel := context.WithTimeout(ctx, detectTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu="+queryFields,
		"--format=csv,noheader,nounits",
	)
	output, err := cmd.Output()
	if err != nil {
		logger.Info("nvidia-smi unavailable, reporting zero GPUs", zap.Error(err))
		return nil
	}

	gpus, err := parseCSV(output)
	if err != nil {
		logger.Warn("failed to parse nvidia-smi output", zap.Error(err))
		return nil
	}
	return gpus
}

func parseCSV(output []byte) ([]protocol.GPUInfo, error) {
	var gpus []protocol.GPUInfo
	scanner := bufio.NewScanner(strings.NewReader(string(output)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil {
			continue
		}
		memMB, err := strconv.Atoi(strings.TrimSpace(fields[2]))
		if err != nil {
			continue
		}
		gpus = append(gpus, protocol.GPUInfo{
			LocalIndex:    idx,
			Model:         strings.TrimSpace(fields[1]),
			TotalMemoryMB: memMB,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return gpus, nil
}
