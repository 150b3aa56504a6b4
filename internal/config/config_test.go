package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testDescriptor = `
firmware.hex:
  symbols:
    audio_first_update: 0x20001000
    reset_handler: 0x08000100
  ranges:
    main_loop: [0x08000200, 0x08000400]
  configs:
    audio_workers: 4
    usb_ep_count: 6
    fine_grained_lock: true
    audio_layout_next_update_offset: 0x10
    audio_layout_active_flag_offset: 0x14
    audio_layout_vtable_offset: 0x00
    audio_layout_destination_list_classic_offset: 0x20
    audio_layout_destination_list_alt_offset: 0x24
    audio_layout_conn_dest_offset: 0x00
    audio_layout_conn_dest_index_offset: 0x08
    audio_layout_conn_src_index_offset: 0x09
    audio_layout_conn_next_offset: 0x0C
`

func writeTestDescriptor(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "descriptor.yaml")
	if err := os.WriteFile(path, []byte(testDescriptor), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	return path
}

func TestLoadResolvesSymbolsRangesAndConfigs(t *testing.T) {
	path := writeTestDescriptor(t)
	d, err := Load(path, "/opt/firmware/firmware.hex")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := d.Symbol("audio_first_update"); got != 0x20001000 {
		t.Fatalf("audio_first_update = %#x, want 0x20001000", got)
	}
	if got := d.Symbol("missing"); got != 0 {
		t.Fatalf("missing symbol = %#x, want 0", got)
	}
	r, ok := d.Ranges["main_loop"]
	if !ok || r.Entry != 0x08000200 || r.Exit != 0x08000400 {
		t.Fatalf("main_loop range = %+v, ok=%v", r, ok)
	}
	if got := d.AudioWorkers(1); got != 4 {
		t.Fatalf("AudioWorkers = %d, want 4", got)
	}
	if got := d.ConfigInt("usb_ep_count", 0); got != 6 {
		t.Fatalf("usb_ep_count = %d, want 6", got)
	}
	if !d.ConfigBool("fine_grained_lock", false) {
		t.Fatal("fine_grained_lock = false, want true")
	}
}

func TestLoadErrorsOnUnknownFirmware(t *testing.T) {
	path := writeTestDescriptor(t)
	if _, err := Load(path, "other.hex"); err == nil {
		t.Fatal("expected error for firmware with no descriptor entry")
	}
}

func TestAudioLayoutPopulatesEveryOffset(t *testing.T) {
	path := writeTestDescriptor(t)
	d, err := Load(path, "firmware.hex")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	layout := d.AudioLayout()
	if layout.FirstUpdateAddr != 0x20001000 {
		t.Fatalf("FirstUpdateAddr = %#x, want 0x20001000", layout.FirstUpdateAddr)
	}
	if layout.DestinationListClassicOffset != 0x20 || layout.DestinationListAltOffset != 0x24 {
		t.Fatalf("destination list offsets = %#x/%#x, want 0x20/0x24",
			layout.DestinationListClassicOffset, layout.DestinationListAltOffset)
	}
	if layout.ConnNextOffset != 0x0C {
		t.Fatalf("ConnNextOffset = %#x, want 0x0C", layout.ConnNextOffset)
	}
}

func TestConfigDefaultsWhenKeyAbsent(t *testing.T) {
	path := writeTestDescriptor(t)
	d, err := Load(path, "firmware.hex")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := d.ConfigString("nonexistent", "fallback"); got != "fallback" {
		t.Fatalf("ConfigString default = %q, want fallback", got)
	}
}
