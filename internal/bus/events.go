package bus

// Well-known event names exchanged between core components. Payload shapes
// live with their producers.
const (
	// Market data.
	EventPriceUpdate     = "market:priceUpdate"
	EventAggregatedPrice = "market:aggregatedPrice"
	EventMarketData      = "market:data"

	// Trading pipeline.
	EventStrategySignal       = "trading:strategySignal"
	EventSignalBlocked        = "trading:signalBlocked"
	EventOrderCreated         = "trading:orderCreated"
	EventOrderOpened          = "trading:orderOpened"
	EventOrderPartiallyFilled = "trading:orderPartiallyFilled"
	EventOrderFilled          = "trading:orderFilled"
	EventOrderCancelled       = "trading:orderCancelled"
	EventOrderRejected        = "trading:orderRejected"
	EventOrderCompleted       = "trading:orderCompleted"

	// Risk.
	EventRiskCheckFailed         = "risk:checkFailed"
	EventCircuitBreakerTriggered = "risk:circuitBreakerTriggered"
	EventCircuitBreakerReset     = "risk:circuitBreakerReset"
)
