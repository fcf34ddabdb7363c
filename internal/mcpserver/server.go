package mcpserver

import (
	"context"

	"github.com/legionhq/legiond/internal/common/logger"
	"github.com/legionhq/legiond/internal/control"
)

type Config struct {
	Port int
}

type Server struct {
	cfg  Config
	ctrl *control.Service
	log  *logger.Logger
}

func New(cfg Config, ctrl *control.Service, log *logger.Logger) *Server {
	return &Server{cfg: cfg, ctrl: ctrl, log: log}
}

func (s *Server) Start(ctx context.Context) error { return nil }
func (s *Server) Stop(ctx context.Context) error  { return nil }
func (s *Server) Port() int                        { return s.cfg.Port }
