/*
Package mrtd talks to ICAO 9303 electronic passports over ISO 7816-4.

It provides:
  - APDU encoding and decoding for all ISO 7816-4 command cases
  - Status word descriptions
  - BAC key derivation from the MRZ (document number, birth and expiry dates)
  - Secure messaging with 3DES (retail MAC) and AES (CMAC)
  - The BAC handshake (GET CHALLENGE, EXTERNAL AUTHENTICATE)
  - Chip authentication with ECDH and DH keys from DG14
  - Selecting and reading LDS files under secure messaging
  - A PC/SC transport and an APDU trace wrapper

# Key Derivation

The BAC key seed is the first 16 bytes of

	SHA-1(docNumber ‖ cd ‖ dateOfBirth ‖ cd ‖ dateOfExpiry ‖ cd)

where the document number is padded with '<' to 9 characters and cd is the
7-3-1 check digit of the preceding field. Keys are derived as

	SHA-1(seed ‖ nonce ‖ counter)   counter 1 = encryption, 2 = MAC

and a 3DES key is K1 ‖ K2 ‖ K1 built from the first 16 bytes of the digest,
parity bits left as computed.

# Secure Messaging

A protected command is

	CLA|0C INS P1 P2 Lc [DO'87 or DO'85] [DO'97] DO'8E 00

The send sequence counter is incremented before every protect and every
unprotect, and the MAC covers pad(SSC ‖ ...). Responses are MAC-verified
before anything is decrypted; a session that saw a bad MAC is unusable.

# Operation: BAC

	GET CHALLENGE          00 84 00 00 08           -> rndICC(8)
	EXTERNAL AUTHENTICATE  00 82 00 00 28 E‖M 28    -> E'(32)‖M'(8)

Initial SSC = rndICC[4:8] ‖ rndIFD[4:8].

# Operation: Chip Authentication

	MSE:SET KAT  0C 22 41 A6 [91 ephemeral public key] [84 key id]

On success the channel switches to 3DES session keys derived from the shared
secret with SSC = 0.
*/
package mrtd
