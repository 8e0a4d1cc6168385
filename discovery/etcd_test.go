package discovery

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

// Runs against a real etcd: RUNNER_RPC_ETCD=localhost:2379 go test ./discovery
func etcdEndpoints(t *testing.T) []string {
	env := os.Getenv("RUNNER_RPC_ETCD")
	if env == "" {
		t.Skip("RUNNER_RPC_ETCD not set")
	}
	return strings.Split(env, ",")
}

func TestRegisterAndDiscover(t *testing.T) {
	dir, err := NewEtcdDirectory(EtcdConfig{
		Endpoints: etcdEndpoints(t),
		Prefix:    "/runner-rpc-test-" + time.Now().Format("150405.000"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer dir.Close()
	ctx := context.Background()

	// Register two instances
	inst1 := HostInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := HostInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := dir.Register(ctx, "Counter", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := dir.Register(ctx, "Counter", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := dir.Discover(ctx, "Counter")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	// Deregister one
	if err := dir.Deregister(ctx, "Counter", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = dir.Discover(ctx, "Counter")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}
}

func TestEtcdWatch(t *testing.T) {
	dir, err := NewEtcdDirectory(EtcdConfig{
		Endpoints: etcdEndpoints(t),
		Prefix:    "/runner-rpc-watch-" + time.Now().Format("150405.000"),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer dir.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates := dir.Watch(ctx, "Counter")
	time.Sleep(100 * time.Millisecond)

	if err := dir.Register(ctx, "Counter", HostInstance{Addr: "127.0.0.1:9001"}, 10); err != nil {
		t.Fatal(err)
	}
	select {
	case list := <-updates:
		if len(list) != 1 || list[0].Addr != "127.0.0.1:9001" {
			t.Fatalf("unexpected update %v", list)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no watch update")
	}
}
