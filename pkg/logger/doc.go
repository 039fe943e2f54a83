// Package logger builds slog loggers for the billing services.
//
// New returns a *slog.Logger configured by functional options: output
// format, level, static attributes and context extractors. Attributes
// attached with WithContextAttrs travel with the context, so a webhook
// delivery or a sweep tags every record logged beneath it:
//
//	ctx = logger.WithContextAttrs(ctx, logger.Provider("stripe"), logger.ProviderEventID(id))
//	log.InfoContext(ctx, "event processed", logger.SubscriptionID(sub.ID))
//
// Attribute helpers (SubscriptionID, CustomerID, InvoiceID, Error, ...) keep
// key names consistent; id helpers return an empty attribute for empty ids
// and Error returns one for nil errors, so callers need no nil checks.
//
// FromConfig reads Config, which is loaded from the environment by
// pkg/config, and applies the development, staging or production preset.
package logger
