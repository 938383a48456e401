package main

import (
	"log"
	"os"
	"time"

	"github.com/fisaks/fieldnode/internal/config"
	"github.com/fisaks/fieldnode/internal/fieldsim"
	"github.com/goburrow/serial"
	"github.com/womat/mbserver"
)

func main() {
	configPath := os.Getenv("SIM_CONFIG_PATH")
	if configPath == "" {
		log.Fatal("SIM_CONFIG_PATH not set")
	}
	cfg, err := config.LoadNodeConfig(configPath)
	if err != nil {
		log.Fatalf("node config: %v", err)
	}
	if cfg.Modbus == nil || cfg.Modbus.Type != "rtu" {
		log.Fatal("config has no rtu modbus bus")
	}
	runBusSimulator(cfg.Modbus, fieldsim.PlanFor(cfg))
}

func runBusSimulator(bus *config.BusConfig, plan fieldsim.Plan) {
	s := mbserver.NewServer()
	for _, id := range plan.Units() {
		if id != 1 {
			if err := s.NewDevice(id); err != nil {
				log.Fatalf("NewDevice(%d): %v", id, err)
			}
		}
	}
	s.Devices[plan.Relay.Unit].Coils[plan.Relay.Addr] = 0
	for _, r := range plan.Registers {
		s.Devices[r.Unit].InputRegisters[r.Addr] = plan.Start
	}

	port, err := serial.Open(&serial.Config{
		Address:  bus.Port,
		BaudRate: bus.Baud,
		DataBits: bus.DataBits,
		StopBits: bus.StopBits,
		Parity:   bus.Parity,
		Timeout:  2 * time.Second,
	})
	if err != nil {
		log.Fatalf("serial open %s: %v", bus.Port, err)
	}
	defer port.Close()

	if err := s.ListenRTU(port); err != nil {
		log.Fatalf("listenRTU: %v", err)
	}
	log.Printf("RTU simulator ready on %s for bus %s (units: %v)", bus.Port, bus.BusId, plan.Units())

	wasOn := false
	for range time.Tick(time.Second) {
		on := s.Devices[plan.Relay.Unit].Coils[plan.Relay.Addr] != 0
		if on != wasOn {
			log.Printf("relay %d/%d -> %t", plan.Relay.Unit, plan.Relay.Addr, on)
			wasOn = on
		}
		for _, r := range plan.Registers {
			regs := s.Devices[r.Unit].InputRegisters
			regs[r.Addr] = plan.Step(on, regs[r.Addr])
		}
	}
}
