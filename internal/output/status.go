package output

import (
	"context"
	"fmt"
	"time"
)

func StatusBar(ctx context.Context, refreshRate time.Duration, printF func()) {
	ticker := time.NewTicker(refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			printF()
		case <-ctx.Done():
			return
		}
	}
}

func PrettyTraceStatus(regions int, entered, recorded uint64) string {
	return fmt.Sprintf("\r%-18s %-24s %-28s",
		fmt.Sprintf("Regions: %3d", regions),
		fmt.Sprintf("Entries seen: %6d", entered),
		fmt.Sprintf("Executions recorded: %6d", recorded),
	)
}
