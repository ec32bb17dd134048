package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

// EnvFile is the descriptor written into every isolated worktree
const EnvFile = ".ports.env"

// WriteEnv records the run's ports inside its worktree
func WriteEnv(dir, runID string, ports domain.Ports) error {
	env := map[string]string{
		"ADW_RUN_ID":       runID,
		"BACKEND_PORT":     strconv.Itoa(ports.Backend),
		"FRONTEND_PORT":    strconv.Itoa(ports.Frontend),
		"VITE_BACKEND_URL": fmt.Sprintf("http://localhost:%d", ports.Backend),
	}
	if err := godotenv.Write(env, filepath.Join(dir, EnvFile)); err != nil {
		return fmt.Errorf("writing %s: %w", EnvFile, err)
	}
	return nil
}

// ReadEnv parses the ports recorded in a worktree's descriptor
func ReadEnv(dir string) (domain.Ports, error) {
	env, err := godotenv.Read(filepath.Join(dir, EnvFile))
	if err != nil {
		return domain.Ports{}, err
	}
	backend, err := strconv.Atoi(env["BACKEND_PORT"])
	if err != nil {
		return domain.Ports{}, fmt.Errorf("BACKEND_PORT: %w", err)
	}
	frontend, err := strconv.Atoi(env["FRONTEND_PORT"])
	if err != nil {
		return domain.Ports{}, fmt.Errorf("FRONTEND_PORT: %w", err)
	}
	return domain.Ports{Backend: backend, Frontend: frontend}, nil
}

func envExists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, EnvFile))
	return err == nil
}
