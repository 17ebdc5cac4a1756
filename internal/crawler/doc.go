// Package crawler defines the types and collaborator contracts shared by the
// crawl scheduling core: fetch requests and results, documents handed to the
// content parser, URL canonicalization, the error taxonomy, and the retry
// policy applied to failed fetches.
package crawler
