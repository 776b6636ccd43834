// Package contracts carries the ABI fragments the service binds against.
package contracts

// TuitionEscrowABI covers the escrow surface the service uses: staging,
// the two admin transitions, the payment list, and the admin accessor.
const TuitionEscrowABI = `[
  {
    "type": "function",
    "name": "stage",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "amount", "type": "uint256"},
      {"name": "institution", "type": "string"},
      {"name": "invoiceRef", "type": "string"}
    ],
    "outputs": [{"name": "id", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "release",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "id", "type": "uint256"},
      {"name": "destination", "type": "address"}
    ],
    "outputs": []
  },
  {
    "type": "function",
    "name": "refund",
    "stateMutability": "nonpayable",
    "inputs": [{"name": "id", "type": "uint256"}],
    "outputs": []
  },
  {
    "type": "function",
    "name": "getPayments",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [
      {
        "name": "",
        "type": "tuple[]",
        "components": [
          {"name": "id", "type": "uint256"},
          {"name": "payer", "type": "address"},
          {"name": "amount", "type": "uint256"},
          {"name": "institution", "type": "string"},
          {"name": "invoiceRef", "type": "string"},
          {"name": "status", "type": "uint8"},
          {"name": "releaseDestination", "type": "address"}
        ]
      }
    ]
  },
  {
    "type": "function",
    "name": "admin",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "address"}]
  },
  {
    "type": "event",
    "name": "PaymentStaged",
    "inputs": [
      {"name": "id", "type": "uint256", "indexed": true},
      {"name": "payer", "type": "address", "indexed": true},
      {"name": "amount", "type": "uint256", "indexed": false},
      {"name": "institution", "type": "string", "indexed": false},
      {"name": "invoiceRef", "type": "string", "indexed": false}
    ],
    "anonymous": false
  },
  {
    "type": "event",
    "name": "PaymentReleased",
    "inputs": [
      {"name": "id", "type": "uint256", "indexed": true},
      {"name": "destination", "type": "address", "indexed": false}
    ],
    "anonymous": false
  },
  {
    "type": "event",
    "name": "PaymentRefunded",
    "inputs": [{"name": "id", "type": "uint256", "indexed": true}],
    "anonymous": false
  }
]`

// ERC20ABI is the subset of the stablecoin interface the service needs for
// the approve-then-stage flow.
const ERC20ABI = `[
  {
    "type": "function",
    "name": "approve",
    "stateMutability": "nonpayable",
    "inputs": [
      {"name": "spender", "type": "address"},
      {"name": "amount", "type": "uint256"}
    ],
    "outputs": [{"name": "", "type": "bool"}]
  },
  {
    "type": "function",
    "name": "allowance",
    "stateMutability": "view",
    "inputs": [
      {"name": "owner", "type": "address"},
      {"name": "spender", "type": "address"}
    ],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "balanceOf",
    "stateMutability": "view",
    "inputs": [{"name": "account", "type": "address"}],
    "outputs": [{"name": "", "type": "uint256"}]
  },
  {
    "type": "function",
    "name": "decimals",
    "stateMutability": "view",
    "inputs": [],
    "outputs": [{"name": "", "type": "uint8"}]
  }
]`
