// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package rapl

import (
	"fmt"

	"github.com/alumet-dev/alumet/pkg/counter"
	"github.com/alumet-dev/alumet/pkg/measurement"
	"github.com/alumet-dev/alumet/pkg/metrics"
	"github.com/alumet-dev/alumet/pkg/pipeline"
	"github.com/alumet-dev/alumet/pkg/resources"
)

type openedZone struct {
	Zone
	resource resources.Resource
	diff     *counter.Diff
}

// powercapSource measures the energy consumed by each zone since the previous poll.
type powercapSource struct {
	metric metrics.TypedID[float64]
	zones  []*openedZone
	totals bool
}

var _ pipeline.Source = (*powercapSource)(nil)

func newPowercapSource(metric metrics.TypedID[float64], zones []Zone, totals bool) (*powercapSource, error) {
	s := &powercapSource{metric: metric, totals: totals}
	for _, z := range zones {
		maxUJ, err := readUint(z.maxEnergyPath())
		if err != nil {
			return nil, fmt.Errorf("zone %s: %w", z.Name, err)
		}
		s.zones = append(s.zones, &openedZone{
			Zone:     z,
			resource: z.Domain.Resource(z.Socket),
			diff:     counter.New(maxUJ),
		})
	}
	return s, nil
}

func (s *powercapSource) Poll(acc *measurement.Accumulator, ts measurement.Timestamp) error {
	consumer := resources.LocalMachineConsumer()
	var (
		order  []Domain
		totals = map[Domain]float64{}
	)
	for _, z := range s.zones {
		uj, err := readUint(z.energyPath())
		if err != nil {
			return fmt.Errorf("zone %s: %w", z.Name, err)
		}
		delta, ok := z.diff.Update(uj).Value()
		if !ok {
			continue
		}
		joules := float64(delta) / 1e6
		p := measurement.NewPoint(ts, s.metric, z.resource, consumer, joules).
			WithAttr("domain", measurement.StringAttr(string(z.Domain)))
		if err := acc.Push(p); err != nil {
			return err
		}
		if _, seen := totals[z.Domain]; !seen {
			order = append(order, z.Domain)
		}
		totals[z.Domain] += joules
	}

	if !s.totals {
		return nil
	}
	for _, d := range order {
		p := measurement.NewPoint(ts, s.metric, resources.LocalMachine(), consumer, totals[d]).
			WithAttr("domain", measurement.StringAttr(string(d)+"_total"))
		if err := acc.Push(p); err != nil {
			return err
		}
	}
	return nil
}
