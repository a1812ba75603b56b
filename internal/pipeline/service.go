package pipeline

import (
	"context"
	"fmt"

	"github.com/vzahanych/defect-overlay/internal/logger"
	"github.com/vzahanych/defect-overlay/internal/service"
	"github.com/vzahanych/defect-overlay/internal/video"
)

// Service feeds a frame source into a coordinator under the service manager
type Service struct {
	*service.ServiceBase
	source      video.FrameSource
	coordinator *Coordinator
	cancel      context.CancelFunc
}

// NewService creates the pipeline service
func NewService(source video.FrameSource, coordinator *Coordinator, log *logger.Logger) *Service {
	return &Service{
		ServiceBase: service.NewServiceBase("pipeline", log),
		source:      source,
		coordinator: coordinator,
	}
}

// SetEventBus sets the bus for the service and its coordinator
func (s *Service) SetEventBus(bus *service.EventBus) {
	s.ServiceBase.SetEventBus(bus)
	s.coordinator.SetEventBus(bus)
}

// Start begins frame delivery
func (s *Service) Start(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStarting)

	runCtx, cancel := context.WithCancel(ctx)
	s.coordinator.Begin(runCtx)
	if err := s.source.Start(runCtx, s.coordinator.OnFrame); err != nil {
		cancel()
		s.GetStatus().SetError(err)
		return fmt.Errorf("failed to start %s source: %w", s.source.Name(), err)
	}
	s.cancel = cancel

	s.GetStatus().SetStatus(service.StatusRunning)
	s.LogInfo("Pipeline started", "source", s.source.Name())
	return nil
}

// Stop halts the source, abandons in-flight calls and waits for them to return
func (s *Service) Stop(ctx context.Context) error {
	s.GetStatus().SetStatus(service.StatusStopping)

	s.source.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.coordinator.Wait(ctx); err != nil {
		s.GetStatus().SetError(err)
		return fmt.Errorf("waiting for in-flight calls: %w", err)
	}

	s.GetStatus().SetStatus(service.StatusStopped)
	s.LogInfo("Pipeline stopped", "stats", s.coordinator.Stats())
	return nil
}

// Coordinator returns the pipeline coordinator
func (s *Service) Coordinator() *Coordinator {
	return s.coordinator
}

// SourceStats returns the frame source statistics
func (s *Service) SourceStats() video.SourceStats {
	return s.source.Stats()
}
