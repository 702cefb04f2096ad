// Package discovery implements POSSE reverse discovery: given a syndicated
// post and its author's domain, it finds the original post on the author's own
// site using only published microformats2 markup.
//
// The crawl runs in stages, leaves first:
//
//   - Normalizer: follows redirects so silo URLs collapse to one key.
//   - processEntry: fetches one permalink, collects rel=syndication and
//     u-syndication links, and records one SyndicatedPost per link (or a
//     single original-only record when there are none).
//   - processFeed: collects h-entry permalinks, skips ones already recorded,
//     and visits the rest.
//   - processAuthor: fetches the author page, prefers a rel=feed document,
//     then the first h-feed's children, then the top-level items.
//   - Engine.Discover: checks the store, crawls on a miss, and records a
//     syndication-only record when nothing matched so the URL is never
//     crawled again.
//
// All fetch and parse failures are logged and absorbed. Records are append-only.
package discovery
