package verifier

import (
	"os"
	"path/filepath"

	"github.com/aristath/undercity/internal/config"
)

// DetectProfile scans repoPath for lock files and tsconfig-equivalents when
// no project profile was configured explicitly, returning a best-effort
// guess at the project's package manager and commands. Callers should
// persist the result (e.g. via recovery.AtomicWriteJSON against the
// scout-cache-style location) so detection runs at most once per run.
func DetectProfile(repoPath string) config.ProjectProfile {
	has := func(name string) bool {
		_, err := os.Stat(filepath.Join(repoPath, name))
		return err == nil
	}

	switch {
	case has("pnpm-lock.yaml"):
		return nodeProfile("pnpm", has("tsconfig.json"))
	case has("yarn.lock"):
		return nodeProfile("yarn", has("tsconfig.json"))
	case has("package-lock.json"):
		return nodeProfile("npm", has("tsconfig.json"))
	case has("go.sum"), has("go.mod"):
		return config.ProjectProfile{
			PackageManager: "go",
			Typecheck:      []string{"go", "build", "./..."},
			Lint:           []string{"go", "vet", "./..."},
			Test:           []string{"go", "test", "./..."},
			Build:          []string{"go", "build", "./..."},
		}
	case has("Cargo.lock"):
		return config.ProjectProfile{
			PackageManager: "cargo",
			Typecheck:      []string{"cargo", "check"},
			Lint:           []string{"cargo", "clippy"},
			Test:           []string{"cargo", "test"},
			Build:          []string{"cargo", "build"},
		}
	case has("pyproject.toml"), has("requirements.txt"):
		return config.ProjectProfile{
			PackageManager: "pip",
			Typecheck:      []string{"python", "-m", "mypy", "."},
			Lint:           []string{"python", "-m", "ruff", "check", "."},
			Test:           []string{"python", "-m", "pytest"},
		}
	default:
		return config.ProjectProfile{}
	}
}

func nodeProfile(pm string, hasTSConfig bool) config.ProjectProfile {
	run := func(script string) []string {
		switch pm {
		case "pnpm":
			return []string{"pnpm", "run", script}
		case "yarn":
			return []string{"yarn", script}
		default:
			return []string{"npm", "run", script}
		}
	}

	profile := config.ProjectProfile{
		PackageManager: pm,
		Lint:           run("lint"),
		Test:           run("test"),
		Build:          run("build"),
	}
	if hasTSConfig {
		profile.Typecheck = []string{"npx", "tsc", "--noEmit"}
	} else {
		profile.Typecheck = run("typecheck")
	}
	return profile
}
