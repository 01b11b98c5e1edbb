package gateway

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stargate-home/stargate/pkg/config"
	"github.com/stargate-home/stargate/pkg/house"
	"github.com/stargate-home/stargate/pkg/persist"
	"github.com/stargate-home/stargate/pkg/util"
)

type stubGateway struct{ id string }

func (g *stubGateway) ID() string { return g.id }

func (g *stubGateway) Lookup(devID string) (*house.Device, error) {
	return nil, fmt.Errorf("device %q: %w", devID, util.ErrNotFound)
}

type fakePlugin struct {
	deps    []string
	depsErr error
	initErr error
	panics  bool
	order   *[]string
}

func (p *fakePlugin) Dependencies(cfg *config.GatewayConfig) ([]string, error) {
	return p.deps, p.depsErr
}

func (p *fakePlugin) Init(h *house.House, name string, cfg *config.GatewayConfig) (house.Gateway, error) {
	if p.panics {
		panic("exploding plugin")
	}
	if p.initErr != nil {
		return nil, p.initErr
	}
	if p.order != nil {
		*p.order = append(*p.order, name)
	}
	return &stubGateway{id: name}, nil
}

func newTestHouse(t *testing.T) *house.House {
	t.Helper()
	store, err := persist.Open(filepath.Join(t.TempDir(), "events.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	h, err := house.New("Test House", store, nil)
	if err != nil {
		t.Fatalf("creating house: %v", err)
	}
	t.Cleanup(h.Close)
	return h
}

func configs(names ...string) map[string]*config.GatewayConfig {
	cfgs := make(map[string]*config.GatewayConfig, len(names))
	for _, n := range names {
		cfgs[n] = &config.GatewayConfig{}
	}
	return cfgs
}

func TestLoadAllOrdersByDependency(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.Register("alarm", &fakePlugin{order: &order})
	r.Register("lights", &fakePlugin{order: &order})
	r.Register("rules", &fakePlugin{deps: []string{"lights", "alarm"}, order: &order})

	h := newTestHouse(t)
	n, err := r.LoadAll(h, configs("rules", "lights", "alarm"))
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n != 3 {
		t.Errorf("loaded %d gateways, want 3", n)
	}
	if want := []string{"alarm", "lights", "rules"}; !reflect.DeepEqual(order, want) {
		t.Errorf("load order = %v, want %v", order, want)
	}
	if _, ok := h.GatewayByID("rules"); !ok {
		t.Error("rules gateway not registered with house")
	}
}

func TestLoadAllSkipsDisabled(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.Register("lights", &fakePlugin{order: &order})
	r.Register("alarm", &fakePlugin{order: &order})

	cfgs := configs("lights", "alarm")
	cfgs["alarm"].Disabled = true

	n, err := r.LoadAll(newTestHouse(t), cfgs)
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n != 1 || !reflect.DeepEqual(order, []string{"lights"}) {
		t.Errorf("loaded %d (%v), want just lights", n, order)
	}
}

func TestLoadAllSkipsBrokenDependency(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.Register("lights", &fakePlugin{order: &order})
	r.Register("rules", &fakePlugin{deps: []string{"ghost"}, order: &order})

	n, err := r.LoadAll(newTestHouse(t), configs("lights", "rules"))
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n != 1 || !reflect.DeepEqual(order, []string{"lights"}) {
		t.Errorf("loaded %d (%v), want just lights", n, order)
	}
}

func TestLoadAllInitFailureCascades(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.Register("alarm", &fakePlugin{initErr: errors.New("no panel"), order: &order})
	r.Register("lights", &fakePlugin{order: &order})
	r.Register("rules", &fakePlugin{deps: []string{"alarm"}, order: &order})

	n, err := r.LoadAll(newTestHouse(t), configs("alarm", "lights", "rules"))
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n != 1 || !reflect.DeepEqual(order, []string{"lights"}) {
		t.Errorf("loaded %d (%v), want just lights", n, order)
	}
}

func TestLoadAllSurvivesInitPanic(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.Register("alarm", &fakePlugin{panics: true})
	r.Register("lights", &fakePlugin{order: &order})

	n, err := r.LoadAll(newTestHouse(t), configs("alarm", "lights"))
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n != 1 || !reflect.DeepEqual(order, []string{"lights"}) {
		t.Errorf("loaded %d (%v), want just lights", n, order)
	}
}

func TestLoadAllUnknownPluginSkipped(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.Register("lights", &fakePlugin{order: &order})

	n, err := r.LoadAll(newTestHouse(t), configs("lights", "sprinklers"))
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n != 1 {
		t.Errorf("loaded %d gateways, want 1", n)
	}
}

func TestLoadAllNothingLoadedIsError(t *testing.T) {
	r := NewRegistry()
	r.Register("alarm", &fakePlugin{initErr: errors.New("no panel")})

	if _, err := r.LoadAll(newTestHouse(t), configs("alarm")); err == nil {
		t.Error("LoadAll with zero gateways loaded returned nil error")
	}
}

func TestLoadAllDependencyCycleSkipped(t *testing.T) {
	var order []string
	r := NewRegistry()
	r.Register("a", &fakePlugin{deps: []string{"b"}, order: &order})
	r.Register("b", &fakePlugin{deps: []string{"a"}, order: &order})
	r.Register("lights", &fakePlugin{order: &order})

	n, err := r.LoadAll(newTestHouse(t), configs("a", "b", "lights"))
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if n != 1 || !reflect.DeepEqual(order, []string{"lights"}) {
		t.Errorf("loaded %d (%v), want just lights", n, order)
	}
}

func TestRegisterTwicePanics(t *testing.T) {
	r := NewRegistry()
	r.Register("lights", &fakePlugin{})
	defer func() {
		if recover() == nil {
			t.Error("second Register did not panic")
		}
	}()
	r.Register("lights", &fakePlugin{})
}
