package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vmelink/vmlc/cmdpipe"
	"github.com/vmelink/vmlc/stackerr"
)

type fakePipe struct{ c cmdpipe.Counters }

func (f fakePipe) Counters() cmdpipe.Counters { return f.c }

func TestCollectorExportsStackErrorCounters(t *testing.T) {
	errs := stackerr.New()
	errs.RecordError(3, 12, 0x2)
	errs.RecordError(3, 12, 0x2)
	errs.RecordUnrecognised(0xF7000000)

	c := New(nil, errs, nil, nil)

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	var sawStackErrors, sawUnrecognised bool
	for _, fam := range families {
		switch fam.GetName() {
		case "vmlc_stack_errors_total":
			sawStackErrors = true
			if got := fam.GetMetric()[0].GetCounter().GetValue(); got != 2 {
				t.Errorf("vmlc_stack_errors_total = %v, want 2", got)
			}
		case "vmlc_stack_errors_unrecognised_total":
			sawUnrecognised = true
		}
	}
	if !sawStackErrors {
		t.Error("did not export vmlc_stack_errors_total")
	}
	if !sawUnrecognised {
		t.Error("did not export vmlc_stack_errors_unrecognised_total")
	}
}

func TestCollectorOmitsNilSources(t *testing.T) {
	pipe := fakePipe{c: cmdpipe.Counters{Reads: 7}}
	c := New(pipe, nil, nil, nil)

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, fam := range families {
		if fam.GetName() == "vmlc_stack_errors_total" || fam.GetName() == "vmlc_eth_throttle_delay_current" {
			t.Errorf("unexpected metric family %q emitted with a nil source", fam.GetName())
		}
	}

	var sawReads bool
	for _, fam := range families {
		if fam.GetName() == "vmlc_cmdpipe_reads_total" {
			sawReads = true
			if got := fam.GetMetric()[0].GetCounter().GetValue(); got != 7 {
				t.Errorf("vmlc_cmdpipe_reads_total = %v, want 7", got)
			}
		}
	}
	if !sawReads {
		t.Error("did not export vmlc_cmdpipe_reads_total")
	}
}
