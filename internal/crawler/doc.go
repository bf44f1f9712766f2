// Package crawler holds the vocabulary shared by the frontier, the fetch
// executor, the crawl loop and the distributed router: links and their
// states, fetch results, URL canonicalization and the collaborator
// interfaces (downloader, fetcher, oracle, target storage).
package crawler
