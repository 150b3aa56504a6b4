// main.go - m8emu entry point: wires the CPU harness, USB/USB-IP bridge,
// SD-host controller and audio scheduler together and runs the firmware.

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/intuitionamiga/m8emu/internal/audio"
	"github.com/intuitionamiga/m8emu/internal/config"
	"github.com/intuitionamiga/m8emu/internal/cpu"
	"github.com/intuitionamiga/m8emu/internal/device"
	"github.com/intuitionamiga/m8emu/internal/hexfw"
	"github.com/intuitionamiga/m8emu/internal/logging"
	"github.com/intuitionamiga/m8emu/internal/sdcard"
	"github.com/intuitionamiga/m8emu/internal/usb"
	"github.com/intuitionamiga/m8emu/internal/usbip"
	"github.com/intuitionamiga/m8emu/internal/usdhc"
)

const (
	defaultUSBIRQ     = 67
	defaultUSDHCIRQ   = 54
	defaultSystickIRQ = 15
	defaultUSBIPAddr  = ":3240"
)

func main() {
	firmwarePath := flag.String("firmware", "", "path to the Intel-HEX firmware image (required)")
	sdImagePath := flag.String("sdcard", "", "path to the raw SD card disk image")
	descriptorPath := flag.String("descriptor", "", "path to the firmware descriptor YAML file (required)")
	jitPoolSize := flag.Int("jit-pool", 0, "auxiliary JIT engine pool size (0 = default)")
	audioWorkers := flag.Int("audio-workers", -1, "audio graph worker count (overrides descriptor if >= 0)")
	usbipAddr := flag.String("usbip-addr", defaultUSBIPAddr, "USB/IP server listen address")
	monitor := flag.Bool("monitor", false, "play the audio scheduler's mix buffer on the host's default audio device")
	flag.Parse()

	if *firmwarePath == "" || *descriptorPath == "" {
		fmt.Println("usage: m8emu -firmware <file.hex> -descriptor <descriptor.yaml> [-sdcard <image>] [-jit-pool N] [-audio-workers N] [-usbip-addr addr] [-monitor]")
		os.Exit(1)
	}

	descriptor, err := config.Load(*descriptorPath, *firmwarePath)
	if err != nil {
		logging.Errorf("config: %v", err)
		os.Exit(1)
	}

	bus := device.NewBus()

	itcm := device.NewMemoryDevice(cpu.ITCMBase, cpu.ITCMSize)
	dtcm := device.NewMemoryDevice(cpu.DTCMBase, cpu.DTCMSize)
	ocram2 := device.NewMemoryDevice(cpu.OCRAM2Base, cpu.OCRAM2Size)
	flash := device.NewMemoryDevice(cpu.FlashBase, cpu.FlashSize)
	for _, dev := range []*device.MemoryDevice{itcm, dtcm, ocram2, flash} {
		if err := bus.Register(dev); err != nil {
			logging.Errorf("device: %v", err)
			os.Exit(1)
		}
	}

	usbCtrl := usb.New(bus, cpu.USBBase, cpu.USBSize)
	if err := bus.Register(usbCtrl); err != nil {
		logging.Errorf("device: %v", err)
		os.Exit(1)
	}

	usdhcCtrl := usdhc.New(bus, cpu.USDHC1Base, cpu.USDHC1Size)
	if err := bus.Register(usdhcCtrl); err != nil {
		logging.Errorf("device: %v", err)
		os.Exit(1)
	}

	harness, err := cpu.NewHarness(bus, cpu.Config{
		ITCM:        itcm,
		DTCM:        dtcm,
		OCRAM2:      ocram2,
		Flash:       flash,
		JITPoolSize: *jitPoolSize,
	})
	if err != nil {
		logging.Errorf("cpu: %v", err)
		os.Exit(1)
	}
	defer harness.Close()

	usbCtrl.BindInterrupt(descriptor.ConfigInt("usb_irq", defaultUSBIRQ), harness.TriggerInterrupt)
	usdhcCtrl.BindInterrupt(descriptor.ConfigInt("usdhc_irq", defaultUSDHCIRQ), harness.TriggerInterrupt)
	harness.SetSysTickIRQ(descriptor.SystickIRQ(defaultSystickIRQ))

	for addr, value := range descriptor.MagicReads() {
		harness.RegisterMagicRead(addr, value)
	}
	for _, r := range descriptor.LockRanges() {
		harness.AttachLockRange(r.Entry, []uint32{r.Exit})
	}
	for _, r := range descriptor.CPSIRanges() {
		harness.AttachCPSIRange(r.Entry, r.Exit)
	}

	if *sdImagePath != "" {
		card, err := sdcard.Open(*sdImagePath)
		if err != nil {
			logging.Errorf("sdcard: %v", err)
			os.Exit(1)
		}
		defer card.Close()
		usdhcCtrl.InsertCard(card)
	}

	f, err := os.Open(*firmwarePath)
	if err != nil {
		logging.Errorf("firmware: %v", err)
		os.Exit(1)
	}
	err = hexfw.Load(f, bus.MemoryWrite)
	f.Close()
	if err != nil {
		logging.Errorf("firmware: %v", err)
		os.Exit(1)
	}
	harness.Start(bus.MemoryRead32(cpu.HexEntryAddr))

	workers := *audioWorkers
	if workers < 0 {
		workers = descriptor.AudioWorkers(0)
	}
	scheduler := audio.NewScheduler(harness, bus, descriptor.AudioLayout(), workers)
	if *monitor {
		if addr, ok := descriptor.AudioMonitorAddr(); ok {
			sink, err := audio.NewOtoMonitor(audio.AudioSampleRate)
			if err != nil {
				logging.Errorf("monitor: %v", err)
				os.Exit(1)
			}
			defer sink.Close()
			scheduler.SetMonitor(sink, addr)
		} else {
			logging.Warnf("monitor: descriptor has no audio_monitor_buffer symbol, skipping playback")
		}
	}
	defer scheduler.Stop()

	usbipServer := usbip.NewServer(usbCtrl)
	defer usbipServer.Stop()

	// The firmware's own setup_done entry point marks the point its audio
	// graph and USB stack are ready to drive; bringing the scheduler and
	// USB/IP server up any earlier would have the scheduler's first tick
	// discover an empty, not-yet-built audio graph and cache that
	// discovery permanently.
	if setupDone, ok := descriptor.Symbols["setup_done"]; ok {
		harness.AttachInitializeCallback(setupDone, func() {
			scheduler.Start()
			if err := usbipServer.Start(*usbipAddr); err != nil {
				logging.Errorf("usbip: %v", err)
				os.Exit(1)
			}
			logging.Infof("m8emu: setup done, audio scheduler and usbip (%s) running", *usbipAddr)
		})
	} else {
		logging.Warnf("config: descriptor has no setup_done symbol, audio scheduler and usbip will never start")
	}

	logging.Infof("m8emu: running firmware %s", *firmwarePath)
	for {
		if err := harness.Run(); err != nil {
			logging.Errorf("cpu: %v", err)
			os.Exit(1)
		}
	}
}
