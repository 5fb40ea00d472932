package training

import (
	"fmt"
	"log"
)

// Sink receives scalar metrics. A tag groups related values, keyed by
// series name, at a global iteration.
type Sink interface {
	Scalars(tag string, values map[string]float64, step int) error
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) Scalars(string, map[string]float64, int) error { return nil }

// publish pushes the metric suite of one pass. split is "train", "valid" or
// "test".
func publish(sink Sink, logger *log.Logger, split string, step int, s Summary, loss lossTerms) {
	one := split + "_one-shot"
	multi := split + "_multi-shot"
	emit := func(tag string, values map[string]float64) {
		if err := sink.Scalars(tag, values, step); err != nil {
			logger.Printf("telemetry: %s: %v", tag, err)
		}
	}

	for _, m := range metricSpecs {
		emit("performance/"+m.tag, map[string]float64{
			one:   m.value(s.Get(OneShot)),
			multi: m.value(s.Get(MultiShot)),
		})
		emit("performance/"+m.fixedTag, map[string]float64{
			one:   m.value(s.Get(OneShotFixed)),
			multi: m.value(s.Get(MultiShotFixed)),
		})
	}
	emit("performance/cost", map[string]float64{
		one + "_class": loss.class,
		one + "_info":  loss.info,
		one + "_total": loss.total,
	})
	emit(fmt.Sprintf("mutual_information/%s", split), map[string]float64{
		"I(Z;Y)": loss.izy,
		"I(Z;X)": loss.izx,
	})
}

type lossTerms struct {
	class, info, total float64
	izy, izx           float64
}
