package main

import (
	"context"
	"encoding/hex"
	goflag "flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/swdbg/common"
	"github.com/mongoose-os/swdbg/lpc55xx"
	"github.com/mongoose-os/swdbg/probe/cortex"
	"github.com/mongoose-os/swdbg/probe/dap"
	"github.com/mongoose-os/swdbg/probe/dp"
	"github.com/mongoose-os/swdbg/target"
)

var (
	vid          = flag.Uint16("vid", 0x0d28, "Debug probe USB vendor ID")
	pid          = flag.Uint16("pid", 0x0204, "Debug probe USB product ID")
	clockHz      = flag.Uint32("clock", 1000000, "SWD clock frequency, Hz")
	timeout      = flag.Duration("timeout", 30*time.Second, "Overall session timeout")
	pollInterval = flag.Duration("poll-interval", 0, "DM-AP resync poll interval")
	mapOverlay   = flag.String("map-overlay", "", "YAML memory map overlay file")
	catch        = flag.Bool("catch", true, "Halt at the first instruction after reset")
)

type command struct {
	name    string
	handler func(ctx context.Context, f *lpc55xx.Family, args []string) error
	short   string
}

var commands = []command{
	{"info", cmdInfo, "Show target info"},
	{"reset", cmdReset, "Reset the target"},
	{"reset-halt", cmdResetHalt, "Reset and halt at the first instruction"},
	{"read", cmdRead, "Read a 32-bit word: read <addr>"},
	{"dump", cmdDump, "Dump memory: dump <addr> <length>"},
	{"regs", cmdRegs, "Show core 0 registers"},
	{"trace-start", cmdTraceStart, "Configure trace output"},
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command> [args]\n\nCommands:\n", os.Args[0])
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-12s %s\n", c.name, c.short)
	}
	fmt.Fprintf(os.Stderr, "\nFlags:\n%s", flag.CommandLine.FlagUsages())
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "invalid address %q", s)
	}
	return uint32(v), nil
}

// connect opens the probe, performs the SWD line init and brings the
// target up via the family's init sequence.
func connect(ctx context.Context) (dap.DAPClient, *lpc55xx.Family, error) {
	dapc, err := dap.NewClient(ctx, *vid, *pid, "")
	if err != nil {
		return nil, nil, errors.Annotatef(err, "failed to open debug probe")
	}
	vendor, _ := dapc.GetVendorID(ctx)
	product, _ := dapc.GetProductID(ctx)
	serial, _ := dapc.GetSerialNumber(ctx)
	version, _ := dapc.GetFirmwareVersion(ctx)
	common.Reportf("CMSIS-DAP probe %s %s v%s S/N %s", vendor, product, version, serial)
	if err := dapc.Connect(ctx, dap.ConnectModeSWD); err != nil {
		return nil, nil, errors.Annotatef(err, "failed to connect to debug probe in SWD mode")
	}
	if err := dapc.SWJClock(ctx, *clockHz); err != nil {
		return nil, nil, errors.Annotatef(err, "failed to set clock")
	}
	if err := dapc.SWDConfigure(ctx, 0); err != nil {
		return nil, nil, errors.Annotatef(err, "failed to configure SWD")
	}
	// Line reset (50+ ones), JTAG-to-SWD switch, line reset, idle.
	lineReset := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	for _, s := range []struct {
		numBits int
		data    []byte
	}{
		{64, lineReset},
		{16, []byte{0, 0}},
		{64, lineReset},
		{16, []byte{0x9e, 0xe7}},
		{64, lineReset},
		{16, []byte{0, 0}},
	} {
		if err := dapc.SWJSequence(ctx, s.numBits, s.data); err != nil {
			return nil, nil, errors.Annotatef(err, "SWD init sequence failed")
		}
	}
	if err := dapc.TransferConfigure(ctx, 0, 100, 100); err != nil {
		return nil, nil, errors.Annotatef(err, "failed to configure transfers")
	}

	mmap, err := lpc55xx.LPC5516MemoryMap()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if *mapOverlay != "" {
		data, err := os.ReadFile(*mapOverlay)
		if err != nil {
			return nil, nil, errors.Annotatef(err, "failed to read map overlay")
		}
		if err := mmap.LoadOverlay(data); err != nil {
			return nil, nil, errors.Trace(err)
		}
	}

	sess := target.NewSession()
	sess.AddObserver(func(ev target.Event, coreNum int) {
		glog.V(1).Infof("event %s core %d", ev, coreNum)
	})
	f := lpc55xx.NewFamily(lpc55xx.FamilyConfig{
		DP:           dp.NewDPClient(dapc),
		Session:      sess,
		MemoryMap:    mmap,
		PollInterval: *pollInterval,
	})
	s, err := f.CreateInitSequence()
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if err := s.Execute(ctx); err != nil {
		return nil, nil, errors.Annotatef(err, "bring-up failed")
	}
	return dapc, f, nil
}

func cmdInfo(ctx context.Context, f *lpc55xx.Family, args []string) error {
	core := f.Core0()
	name, err := cortex.GetTargetName(ctx, core.Mem())
	if err != nil {
		return errors.Trace(err)
	}
	common.Reportf("Core: %s", name)
	common.Reportf("APs: %v", f.Session().APs())
	return nil
}

func cmdReset(ctx context.Context, f *lpc55xx.Family, args []string) error {
	core := f.Core0()
	if *catch {
		if err := core.SetResetCatch(ctx); err != nil {
			return errors.Trace(err)
		}
		defer core.ClearResetCatch(context.Background())
	}
	if err := core.Reset(ctx); err != nil {
		return errors.Trace(err)
	}
	common.Reportf("Reset done, catch mode %s, run token %d", core.CatchMode(), core.RunToken())
	if *catch {
		return errors.Trace(core.Debug().Run(ctx, true /* waitHalt */))
	}
	return nil
}

func cmdResetHalt(ctx context.Context, f *lpc55xx.Family, args []string) error {
	core := f.Core0()
	if err := core.SetResetCatch(ctx); err != nil {
		return errors.Trace(err)
	}
	defer core.ClearResetCatch(context.Background())
	if err := core.Reset(ctx); err != nil {
		return errors.Trace(err)
	}
	if err := core.Debug().Run(ctx, true /* waitHalt */); err != nil {
		return errors.Trace(err)
	}
	pc, err := core.Debug().GetReg(ctx, cortex.PC)
	if err != nil {
		return errors.Trace(err)
	}
	common.Reportf("Halted at 0x%08x (catch mode %s)", pc, core.CatchMode())
	return nil
}

func cmdRead(ctx context.Context, f *lpc55xx.Family, args []string) error {
	if len(args) != 1 {
		return errors.Errorf("usage: read <addr>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	value, err := f.Core0().ReadMem32(ctx, addr)
	if err != nil {
		return errors.Trace(err)
	}
	common.Reportf("0x%08x: 0x%08x", addr, value)
	return nil
}

func cmdDump(ctx context.Context, f *lpc55xx.Family, args []string) error {
	if len(args) != 2 {
		return errors.Errorf("usage: dump <addr> <length>")
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		return errors.Trace(err)
	}
	length, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Annotatef(err, "invalid length %q", args[1])
	}
	data, err := f.Core0().ReadMem(ctx, addr, length)
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Print(hex.Dump(data))
	return nil
}

func cmdRegs(ctx context.Context, f *lpc55xx.Family, args []string) error {
	core := f.Core0()
	if err := core.Debug().Halt(ctx); err != nil {
		return errors.Trace(err)
	}
	var regs cortex.CortexRegFile
	if err := core.Debug().GetRegs(ctx, &regs); err != nil {
		return errors.Trace(err)
	}
	common.Reportf("%s", regs)
	return nil
}

func cmdTraceStart(ctx context.Context, f *lpc55xx.Family, args []string) error {
	return errors.Trace(f.TraceStart(ctx))
}

func run() error {
	flag.CommandLine.AddGoFlagSet(goflag.CommandLine)
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
		return errors.Errorf("command required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	for _, c := range commands {
		if c.name != args[0] {
			continue
		}
		dapc, f, err := connect(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		defer dapc.Close(context.Background())
		defer dapc.Disconnect(context.Background())
		if err := dapc.SetHostStatus(ctx, dap.StatusConnected, true); err == nil {
			defer dapc.SetHostStatus(context.Background(), dap.StatusConnected, false)
		}
		return errors.Trace(c.handler(ctx, f, args[1:]))
	}
	usage()
	return errors.Errorf("unknown command %q", args[0])
}

func main() {
	defer glog.Flush()
	if err := run(); err != nil {
		common.Reportf("Error: %s", err)
		os.Exit(1)
	}
}
