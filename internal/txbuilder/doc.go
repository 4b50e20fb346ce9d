package txbuilder

// Usage example (not compiled):
//
//  planner := txbuilder.NewPlanner(client, txbuilder.NewFeeOracle(client, feeCfg), txbuilder.PlannerConfig{}, logger)
//  call, plan, err := planner.PlanTrade(ctx, txbuilder.PlanRequest{From: from, Market: market, Params: params,
//      Side: orderbook.SideBuy, Amount: "10", MinAmountOut: "99"})
//
//  tx, err := builder.BuildTx(call.To, call.Value, call.Data, txbuilder.BuildParams{
//      Nonce: nonce, GasLimit: plan.GasLimit, Fee: plan.Fee})
//  // sign + send tx
//
