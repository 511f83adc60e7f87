//go:build integration

package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/network"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	mysqlImage          = "mysql:8.0.36"
	mysqlAlias          = "mysql"
	mysqlDatabase       = "dispatch"
	mysqlUser           = "root"
	mysqlPassword       = "secret"
	cliContainerImage   = "alpine:3.20"
	cliContainerPath    = "/cli"
	cliExitTimeout      = 2 * time.Minute
	mysqlStartupTimeout = 2 * time.Minute
)

// MySQLContainer is a database reachable both from the test (DB) and from
// containers on Network (DSN).
type MySQLContainer struct {
	Container testcontainers.Container
	Network   *testcontainers.DockerNetwork
	DB        *sql.DB
	DSN       string
}

// CLIRun describes one invocation of a command binary inside a container.
type CLIRun struct {
	Network string
	Binary  string
	Args    []string
	Env     map[string]string
}

func mysqlDSN(addr string) string {
	cfg := mysqldrv.NewConfig()
	cfg.User = mysqlUser
	cfg.Passwd = mysqlPassword
	cfg.Net = "tcp"
	cfg.Addr = addr
	cfg.DBName = mysqlDatabase
	cfg.ParseTime = true
	cfg.MultiStatements = true

	return cfg.FormatDSN()
}

// StartMySQLContainer starts MySQL on a fresh network under the "mysql" alias.
// The test is skipped when Docker is unavailable.
func StartMySQLContainer(t *testing.T, ctx context.Context) MySQLContainer {
	t.Helper()

	net, err := network.New(ctx)
	if err != nil {
		t.Skipf("create network: %v", err)
	}
	t.Cleanup(func() {
		_ = net.Remove(ctx)
	})

	port := nat.Port("3306/tcp")
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        mysqlImage,
			ExposedPorts: []string{string(port)},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": mysqlPassword,
				"MYSQL_DATABASE":      mysqlDatabase,
			},
			Networks:       []string{net.Name},
			NetworkAliases: map[string][]string{net.Name: {mysqlAlias}},
			WaitingFor: wait.ForSQL(port, "mysql", func(host string, port nat.Port) string {
				return mysqlDSN(host + ":" + port.Port())
			}).WithStartupTimeout(mysqlStartupTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("start mysql container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("resolve host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("resolve port: %v", err)
	}

	db, err := sql.Open("mysql", mysqlDSN(host+":"+mappedPort.Port()))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})

	return MySQLContainer{
		Container: container,
		Network:   net,
		DB:        db,
		DSN:       mysqlDSN(mysqlAlias + ":3306"),
	}
}

// BuildBinary compiles pkg as a static linux binary for the CLI container.
func BuildBinary(t *testing.T, pkg string) string {
	t.Helper()

	name := filepath.Base(pkg)
	if name == "." {
		wd, err := os.Getwd()
		if err != nil {
			t.Fatalf("resolve working dir: %v", err)
		}
		name = filepath.Base(wd)
	}
	bin := filepath.Join(t.TempDir(), name)
	cmd := exec.Command("go", "build", "-o", bin, pkg)
	cmd.Env = append(os.Environ(),
		"CGO_ENABLED=0",
		"GOOS=linux",
		"GOARCH="+runtime.GOARCH,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build %s: %v\n%s", pkg, err, string(out))
	}

	return bin
}

// RunCLIContainer runs the binary to completion and returns its exit code and
// combined logs.
func RunCLIContainer(t *testing.T, ctx context.Context, run CLIRun) (int, string) {
	t.Helper()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:      cliContainerImage,
			Entrypoint: []string{cliContainerPath},
			Cmd:        run.Args,
			Env:        run.Env,
			Networks:   []string{run.Network},
			Files: []testcontainers.ContainerFile{{
				HostFilePath:      run.Binary,
				ContainerFilePath: cliContainerPath,
				FileMode:          0o755,
			}},
			WaitingFor: wait.ForExit().WithExitTimeout(cliExitTimeout),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start cli container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	logs, err := readLogs(ctx, container)
	if err != nil {
		t.Fatalf("read cli logs: %v", err)
	}

	state, err := container.State(ctx)
	if err != nil {
		t.Fatalf("read cli state: %v", err)
	}

	return state.ExitCode, logs
}

func readLogs(ctx context.Context, container testcontainers.Container) (string, error) {
	rc, err := container.Logs(ctx)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", fmt.Errorf("read: %w", err)
	}

	return string(raw), nil
}
