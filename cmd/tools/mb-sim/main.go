package main

// cSpell:ignore mbserver Modbus
import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/fieldsim"
	"github.com/tbrandon/mbserver"
)

// Modbus TCP slave standing in for the pump relay and the moisture
// transmitters of one node. Unit ids are ignored by the TCP server, so all
// points share one memory map.
func main() {
	addr := os.Getenv("MB_LISTEN_ADDR")
	if addr == "" {
		addr = ":1502"
	}
	cfg, err := config.LoadNodeConfig(os.Getenv("SIM_CONFIG_PATH"))
	if err != nil {
		log.Fatalf("node config: %v", err)
	}
	plan := fieldsim.PlanFor(cfg)
	if len(plan.Registers) == 0 {
		plan.Registers = []fieldsim.Point{{Addr: 0}}
	}

	srv := mbserver.NewServer()
	srv.Coils[plan.Relay.Addr] = 0
	for _, r := range plan.Registers {
		srv.InputRegisters[r.Addr] = plan.Start
	}

	if err := srv.ListenTCP(addr); err != nil {
		log.Fatalf("ListenTCP: %v", err)
	}
	defer srv.Close()
	log.Printf("Modbus TCP slave listening on %s (relay coil %d, moisture registers %v)", addr, plan.Relay.Addr, plan.Registers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	wasOn := false
	for {
		select {
		case <-ticker.C:
			on := srv.Coils[plan.Relay.Addr] != 0
			if on != wasOn {
				log.Printf("relay coil %d -> %t", plan.Relay.Addr, on)
				wasOn = on
			}
			for _, r := range plan.Registers {
				srv.InputRegisters[r.Addr] = plan.Step(on, srv.InputRegisters[r.Addr])
			}
		case <-sigCh:
			return
		}
	}
}
