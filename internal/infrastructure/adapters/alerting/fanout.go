package alerting

import (
	"context"
	"errors"

	"github.com/bez-service/settlement_service/internal/domain/services/settlement"
)

// Fanout delivers each alert to every channel. A failing channel does not
// stop delivery to the others; all failures are joined.
type Fanout []settlement.Alerter

func (f Fanout) Alert(ctx context.Context, alert settlement.Alert) error {
	var errs []error
	for _, a := range f {
		if err := a.Alert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ settlement.Alerter = Fanout(nil)
