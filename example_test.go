package shipit_test

import (
	"context"
	"fmt"
	"log"

	"github.com/petrijr/shipit"
)

type order struct {
	Item string `json:"item"`
	Qty  int    `json:"qty"`
}

// Example_workflowBuilder defines a workflow with one typed handler, starts
// a run and sends it an event.
func Example_workflowBuilder() {
	ctx := context.Background()

	eng := shipit.NewInMemoryEngine()
	defer eng.Close()

	flow := shipit.NewWorkflow("orders").
		On("place", shipit.Typed(placeOrder))
	if err := flow.Register(eng); err != nil {
		log.Fatal(err)
	}

	if _, err := eng.ScheduleWorkflow(ctx, flow.Name(), "orders-1", shipit.ScheduleOptions{}); err != nil {
		log.Fatal(err)
	}

	out, err := shipit.Send(ctx, eng, "orders-1", "place", order{Item: "gopher plush", Qty: 2})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(out)

	inst, err := shipit.GetInstance(ctx, eng, "orders-1")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(inst.Status)
	// Output:
	// placed 2 x gopher plush
	// RUNNING
}

// Example_asyncSend posts an event and waits on its future separately.
func Example_asyncSend() {
	ctx := context.Background()

	eng := shipit.NewInMemoryEngine()
	defer eng.Close()

	shipit.NewWorkflow("orders").
		On("place", shipit.Typed(placeOrder)).
		MustRegister(eng)
	if _, err := eng.ScheduleWorkflow(ctx, "orders", "orders-2", shipit.ScheduleOptions{}); err != nil {
		log.Fatal(err)
	}

	ev, err := shipit.NewEvent("place", order{Item: "sticker", Qty: 10})
	if err != nil {
		log.Fatal(err)
	}
	f, err := eng.(shipit.AsyncSender).SendEventAsync(ctx, shipit.Target{WorkflowID: "orders-2"}, ev)
	if err != nil {
		log.Fatal(err)
	}

	out, err := f.Wait(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(out)
	// Output:
	// placed 10 x sticker
}

func placeOrder(ctx context.Context, wc shipit.WorkflowContext, in order) (string, error) {
	if err := wc.SetVar(ctx, "lastOrder", in); err != nil {
		return "", err
	}
	return fmt.Sprintf("placed %d x %s", in.Qty, in.Item), nil
}
