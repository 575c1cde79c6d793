//go:build !darwin

package vz

import (
	"errors"

	"go.uber.org/zap"

	"github.com/anthropics/octobot/internal/config"
	"github.com/anthropics/octobot/internal/sandbox/vm"
)

// NewProvider is only available on macOS; other platforms run project
// VMs as docker-in-docker daemons instead.
func NewProvider(_ *config.Config, _ *zap.SugaredLogger, _ vm.SessionProjectResolver, _ vm.SystemManager) (*vm.Provider, error) {
	return nil, errors.New("virtualization framework VMs require macOS; use the dind provider")
}
