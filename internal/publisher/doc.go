// Package publisher holds the dispatch.Publisher implementations, one
// subpackage per platform kind:
//
//   - telegram: Bot API via telebot, also the logx alert sink
//   - webhook: JSON POST to a relay endpoint (facebook-style integrations)
//   - logpub: dry-run publisher that only logs
package publisher
