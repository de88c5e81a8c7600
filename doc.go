// Package sdspi drives SD memory cards over SPI and presents them as a
// linear array of 512-byte blocks.
//
// # References:
//
// SD Association (https://www.sdcard.org/downloads/pls/)
//   - [SD-PHY]: SD Specifications Part 1: Physical Layer Simplified Specification
//
// SPI mode protocol notes
//   - [ELM-MMC]: How to Use MMC/SDC (http://elm-chan.org/docs/mmc/mmc_e.html)
package sdspi
