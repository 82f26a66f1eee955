package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"ChainVoyager/internal/events"
	"ChainVoyager/pkg/logger"
)

func newWatchCmd(newApp func(context.Context) (*app, error)) *cobra.Command {
	var workers int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print discovery events as they arrive",
		Long:  "Consume the discovery event bus and print one JSON line per event. Requires a redis or rabbitmq bus to see events from other processes.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if driver := strings.ToLower(a.cfg.Events.Driver); driver == events.DriverMemory || driver == events.DriverNone {
				logger.L().Warn("events driver is process-local, nothing will arrive", "driver", driver)
			}
			bus, err := a.Bus()
			if err != nil {
				return err
			}

			var mu sync.Mutex
			enc := json.NewEncoder(cmd.OutOrStdout())
			err = bus.Consume(ctx, workers, func(_ context.Context, ev events.Event) error {
				mu.Lock()
				defer mu.Unlock()
				if err := enc.Encode(ev); err != nil {
					return fmt.Errorf("输出事件失败: %w", err)
				}
				return nil
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 1, "consumer goroutines")
	return cmd
}
